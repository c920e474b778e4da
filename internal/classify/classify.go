// Package classify scores query embeddings against class prototypes.
package classify

import (
	"fmt"
	"math"
	"sort"

	"github.com/viant/vec/search"

	"github.com/iishyfishyy/fewshot/internal/prototype"
)

// Unknown is the label emitted when the best match is below the threshold.
const Unknown = "unknown"

// Prediction is the outcome for one query image. Similarities is kept in full so
// the prediction can be re-thresholded without recomputing embeddings.
type Prediction struct {
	Ref          string             `json:"ref"`
	Path         string             `json:"path,omitempty"`
	Label        string             `json:"label"`
	BestClass    string             `json:"best_class"`
	Score        float64            `json:"score"`
	Similarities map[string]float64 `json:"similarities"`
}

// Known reports whether the prediction names a class rather than Unknown.
func (p Prediction) Known() bool {
	return p.Label != Unknown
}

// Classify compares query against every prototype by cosine similarity. The
// highest similarity wins; equal similarities go to the lowest class identifier.
// A winner scoring below threshold is reported as Unknown.
func Classify(ref string, query []float32, protos prototype.Set, threshold float64) Prediction {
	p := Prediction{
		Ref:          ref,
		Similarities: make(map[string]float64, len(protos)),
	}

	qmag := search.Float32s(query).Magnitude()
	found := false
	for _, proto := range protos {
		sim := Similarity(query, qmag, proto.Vector)
		p.Similarities[proto.Class] = sim
		if !found || sim > p.Score || (sim == p.Score && proto.Class < p.BestClass) {
			p.BestClass, p.Score, found = proto.Class, sim, true
		}
	}

	p.Label = labelFor(p.BestClass, p.Score, threshold, found)
	return p
}

// CheckThreshold rejects thresholds that are not finite or lie outside [-1, 1].
func CheckThreshold(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < -1 || t > 1 {
		return fmt.Errorf("threshold %v is outside [-1, 1]", t)
	}
	return nil
}

// Rethreshold derives the prediction a different threshold would have produced.
func Rethreshold(p Prediction, threshold float64) Prediction {
	out := p
	out.Label = labelFor(p.BestClass, p.Score, threshold, p.BestClass != "")
	return out
}

func labelFor(best string, score, threshold float64, found bool) string {
	if !found || score < threshold {
		return Unknown
	}
	return best
}

// Similarity is the cosine similarity of a (with precomputed magnitude amag) and
// b, clamped to [-1, 1]. Zero vectors have similarity 0 to everything.
func Similarity(a []float32, amag float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	bmag := search.Float32s(b).Magnitude()
	if amag == 0 || bmag == 0 {
		return 0
	}
	sim := 1 - float64(search.Float32s(a).CosineDistanceWithMagnitude(b, amag, bmag))
	switch {
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}

// Ranked returns the classes ordered by descending similarity, ties by class.
func (p Prediction) Ranked() []string {
	classes := make([]string, 0, len(p.Similarities))
	for c := range p.Similarities {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool {
		si, sj := p.Similarities[classes[i]], p.Similarities[classes[j]]
		if si != sj {
			return si > sj
		}
		return classes[i] < classes[j]
	})
	return classes
}
