// Package results lays out the output of a run: a manifest, one directory per
// persisted cell with its predictions grouped by label, and an optional SQLite
// copy of the same data for ad-hoc queries.
package results

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/iishyfishyy/fewshot/internal/classify"
)

// Distribution describes the best-match scores of one label's predictions.
type Distribution struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P10    float64 `json:"p10"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
}

// LabelSummary is the count and score distribution of one label.
type LabelSummary struct {
	Label      string       `json:"label"`
	Count      int          `json:"count"`
	Confidence Distribution `json:"confidence"`
}

// Summary is the per-label breakdown of a cell's predictions.
type Summary struct {
	Total   int            `json:"total"`
	Unknown int            `json:"unknown"`
	Labels  []LabelSummary `json:"labels"`
}

// Summarize counts predictions per label. Every class that had a prototype is
// listed, even with no predictions; unknown is always listed last.
func Summarize(preds []classify.Prediction) Summary {
	scores := map[string][]float64{classify.Unknown: nil}
	for _, p := range preds {
		for class := range p.Similarities {
			if _, ok := scores[class]; !ok {
				scores[class] = nil
			}
		}
		scores[p.Label] = append(scores[p.Label], p.Score)
	}

	labels := make([]string, 0, len(scores))
	for l := range scores {
		if l != classify.Unknown {
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	labels = append(labels, classify.Unknown)

	s := Summary{Total: len(preds), Unknown: len(scores[classify.Unknown])}
	for _, l := range labels {
		s.Labels = append(s.Labels, LabelSummary{
			Label:      l,
			Count:      len(scores[l]),
			Confidence: distribution(scores[l]),
		})
	}
	return s
}

func distribution(x []float64) Distribution {
	if len(x) == 0 {
		return Distribution{}
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)

	d := Distribution{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   stat.Mean(sorted, nil),
		P10:    stat.Quantile(0.1, stat.Empirical, sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P90:    stat.Quantile(0.9, stat.Empirical, sorted, nil),
	}
	// the sample deviation of a single value is undefined
	if len(sorted) > 1 {
		d.StdDev = stat.StdDev(sorted, nil)
	}
	return d
}

// Groups lists the references predicted for each label, sorted.
func Groups(preds []classify.Prediction) map[string][]string {
	out := make(map[string][]string)
	for _, p := range preds {
		out[p.Label] = append(out[p.Label], p.Ref)
	}
	for _, refs := range out {
		sort.Strings(refs)
	}
	return out
}
