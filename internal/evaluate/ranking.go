package evaluate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/experiment"
	"github.com/iishyfishyy/fewshot/internal/groundtruth"
)

// Candidate is one configuration's predictions.
type Candidate struct {
	Config      experiment.Config
	Predictions []classify.Prediction
	// Derived marks a candidate produced by re-thresholding stored predictions.
	Derived bool
}

// Options control ranking.
type Options struct {
	Primary Metric
	TopK    int
}

// Ranking orders every evaluated configuration.
type Ranking struct {
	Primary Metric   `json:"primary_metric"`
	TopK    int      `json:"top_k"`
	Reports []Report `json:"reports"`
}

// Top returns the best TopK reports.
func (r Ranking) Top() []Report {
	if r.TopK <= 0 || r.TopK >= len(r.Reports) {
		return r.Reports
	}
	return r.Reports[:r.TopK]
}

// EvaluateAll scores every candidate against the same truth and orders them by
// the primary metric, then accuracy, then configuration key.
func EvaluateAll(cands []Candidate, truth groundtruth.Labels, opts Options) Ranking {
	if opts.Primary == "" {
		opts.Primary = BalancedAccuracy
	}

	reports := make([]Report, len(cands))
	for i, c := range cands {
		reports[i] = Evaluate(c.Config, c.Predictions, truth)
	}

	sort.SliceStable(reports, func(i, j int) bool {
		pi, pj := opts.Primary.Of(reports[i]), opts.Primary.Of(reports[j])
		if pi != pj {
			return pi > pj
		}
		if reports[i].Accuracy != reports[j].Accuracy {
			return reports[i].Accuracy > reports[j].Accuracy
		}
		return reports[i].Key < reports[j].Key
	})

	return Ranking{Primary: opts.Primary, TopK: opts.TopK, Reports: reports}
}

// Rethreshold derives candidates for extra thresholds from the stored
// similarity vectors of existing ones. Thresholds already present for a
// (backbone, shots) pair are skipped.
func Rethreshold(cands []Candidate, thresholds []float64) []Candidate {
	type tier struct {
		backbone string
		shots    int
	}
	base := make(map[tier]Candidate)
	have := make(map[experiment.Config]bool)
	var order []tier

	for _, c := range cands {
		have[c.Config] = true
		t := tier{string(c.Config.Backbone), c.Config.Shots}
		if _, ok := base[t]; !ok {
			base[t] = c
			order = append(order, t)
		}
	}

	var out []Candidate
	for _, t := range order {
		src := base[t]
		for _, thr := range thresholds {
			cfg := src.Config
			cfg.Threshold = thr
			if have[cfg] {
				continue
			}
			have[cfg] = true
			preds := make([]classify.Prediction, len(src.Predictions))
			for i, p := range src.Predictions {
				preds[i] = classify.Rethreshold(p, thr)
			}
			out = append(out, Candidate{Config: cfg, Predictions: preds, Derived: true})
		}
	}
	return out
}

// TSV renders the top of the ranking as tab-separated text with a header row.
func (r Ranking) TSV() string {
	var b strings.Builder
	b.WriteString("rank\tbackbone\tshots\tthreshold\tbalanced_accuracy\taccuracy\tmacro_f1\tmcc\tunknown\texcluded\n")
	for i, rep := range r.Top() {
		fmt.Fprintf(&b, "%d\t%s\t%d\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%d\t%d\n",
			i+1, rep.Config.Backbone, rep.Config.Shots, experiment.FormatThreshold(rep.Config.Threshold),
			rep.BalancedAccuracy, rep.Accuracy, rep.MacroF1, rep.MCC, rep.Unknown, rep.Excluded)
	}
	return b.String()
}
