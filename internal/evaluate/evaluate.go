// Package evaluate scores grid cells against ground truth and ranks them.
//
// Every label, including classify.Unknown, is a class of its own: it has a row
// and column in the confusion matrix and takes part in every average.
package evaluate

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/experiment"
	"github.com/iishyfishyy/fewshot/internal/groundtruth"
)

// Side tells which input lacked an image in a MismatchError.
type Side string

const (
	// MissingTruth: the image was predicted but has no ground-truth label.
	MissingTruth Side = "truth"
	// MissingPrediction: the image has a label but no prediction.
	MissingPrediction Side = "predictions"
)

// MismatchError reports an image present on only one side. Mismatched images
// are excluded from scoring; evaluation continues on the overlap.
type MismatchError struct {
	Ref  string `json:"ref"`
	Side Side   `json:"missing_from"`
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("ground truth mismatch: %s is missing from %s", e.Ref, e.Side)
}

// BinaryConfusion is one label against everything else.
type BinaryConfusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TN int `json:"tn"`
}

// ClassReport holds the one-vs-rest view of a label.
type ClassReport struct {
	Label     string          `json:"label"`
	Support   int             `json:"support"`
	Predicted int             `json:"predicted"`
	Precision float64         `json:"precision"`
	Recall    float64         `json:"recall"`
	F1        float64         `json:"f1"`
	Binary    BinaryConfusion `json:"binary"`
}

// Report scores one configuration.
type Report struct {
	Config           experiment.Config `json:"config"`
	Key              string            `json:"key"`
	Evaluated        int               `json:"evaluated"`
	Excluded         int               `json:"excluded"`
	Mismatches       []MismatchError   `json:"mismatches,omitempty"`
	Accuracy         float64           `json:"accuracy"`
	BalancedAccuracy float64           `json:"balanced_accuracy"`
	MacroF1          float64           `json:"macro_f1"`
	MCC              float64           `json:"mcc"`
	Unknown          int               `json:"unknown_predictions"`

	// Labels orders the rows (ground truth) and columns (prediction) of Confusion.
	Labels    []string      `json:"labels"`
	Confusion [][]int       `json:"confusion"`
	PerClass  []ClassReport `json:"per_class"`
}

// Evaluate compares preds with truth for one configuration. It is a pure
// function of its inputs.
func Evaluate(cfg experiment.Config, preds []classify.Prediction, truth groundtruth.Labels) Report {
	r := Report{Config: cfg, Key: cfg.Key()}

	type pair struct{ truth, pred string }
	var pairs []pair
	predicted := make(map[string]bool, len(preds))
	labelSet := make(map[string]bool)

	for _, p := range preds {
		predicted[p.Ref] = true
		for class := range p.Similarities {
			labelSet[class] = true
		}
		t, ok := truth[p.Ref]
		if !ok {
			r.Mismatches = append(r.Mismatches, MismatchError{Ref: p.Ref, Side: MissingTruth})
			continue
		}
		pairs = append(pairs, pair{truth: t, pred: p.Label})
		labelSet[t] = true
		labelSet[p.Label] = true
		if p.Label == classify.Unknown {
			r.Unknown++
		}
	}
	for _, ref := range truth.Refs() {
		if !predicted[ref] {
			r.Mismatches = append(r.Mismatches, MismatchError{Ref: ref, Side: MissingPrediction})
		}
	}
	sort.Slice(r.Mismatches, func(i, j int) bool {
		if r.Mismatches[i].Ref != r.Mismatches[j].Ref {
			return r.Mismatches[i].Ref < r.Mismatches[j].Ref
		}
		return r.Mismatches[i].Side < r.Mismatches[j].Side
	})
	r.Excluded = len(r.Mismatches)
	r.Evaluated = len(pairs)

	r.Labels = orderLabels(labelSet)
	k := len(r.Labels)
	if k == 0 {
		return r
	}
	index := make(map[string]int, k)
	for i, l := range r.Labels {
		index[l] = i
	}

	cm := mat.NewDense(k, k, nil)
	for _, p := range pairs {
		i, j := index[p.truth], index[p.pred]
		cm.Set(i, j, cm.At(i, j)+1)
	}

	r.Confusion = make([][]int, k)
	for i := range r.Confusion {
		r.Confusion[i] = make([]int, k)
		for j := range r.Confusion[i] {
			r.Confusion[i][j] = int(cm.At(i, j))
		}
	}
	r.score(cm)
	return r
}

// score fills every derived metric from the confusion matrix.
func (r *Report) score(cm *mat.Dense) {
	k, _ := cm.Dims()
	n := mat.Sum(cm)
	if n == 0 {
		for _, l := range r.Labels {
			r.PerClass = append(r.PerClass, ClassReport{Label: l})
		}
		return
	}

	rowSums := make([]float64, k) // ground-truth counts
	colSums := make([]float64, k) // prediction counts
	for i := 0; i < k; i++ {
		rowSums[i] = floats.Sum(mat.Row(nil, i, cm))
		colSums[i] = floats.Sum(mat.Col(nil, i, cm))
	}
	correct := mat.Trace(cm)
	r.Accuracy = correct / n

	var (
		recallSum float64
		recallN   int
		f1Sum     float64
		f1N       int
	)
	for i, label := range r.Labels {
		tp := cm.At(i, i)
		fp := colSums[i] - tp
		fn := rowSums[i] - tp
		cr := ClassReport{
			Label:     label,
			Support:   int(rowSums[i]),
			Predicted: int(colSums[i]),
			Precision: ratio(tp, tp+fp),
			Recall:    ratio(tp, tp+fn),
			Binary: BinaryConfusion{
				TP: int(tp),
				FP: int(fp),
				FN: int(fn),
				TN: int(n - tp - fp - fn),
			},
		}
		cr.F1 = ratio(2*tp, 2*tp+fp+fn)
		r.PerClass = append(r.PerClass, cr)

		if rowSums[i] > 0 {
			recallSum += cr.Recall
			recallN++
		}
		if tp+fp+fn > 0 {
			f1Sum += cr.F1
			f1N++
		}
	}
	r.BalancedAccuracy = ratio(recallSum, float64(recallN))
	r.MacroF1 = ratio(f1Sum, float64(f1N))

	// Gorodkin's multiclass generalisation of Matthews correlation.
	cov := correct*n - floats.Dot(rowSums, colSums)
	den := math.Sqrt((n*n - floats.Dot(colSums, colSums)) * (n*n - floats.Dot(rowSums, rowSums)))
	r.MCC = ratio(cov, den)
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// orderLabels sorts labels with Unknown last.
func orderLabels(set map[string]bool) []string {
	var out []string
	hasUnknown := false
	for l := range set {
		if l == classify.Unknown {
			hasUnknown = true
			continue
		}
		out = append(out, l)
	}
	sort.Strings(out)
	if hasUnknown {
		out = append(out, classify.Unknown)
	}
	return out
}
