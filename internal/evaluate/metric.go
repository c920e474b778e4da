package evaluate

import (
	"fmt"
	"strings"
)

// Metric names a scalar score used to rank configurations.
type Metric string

const (
	Accuracy         Metric = "accuracy"
	BalancedAccuracy Metric = "balanced_accuracy"
	MacroF1          Metric = "macro_f1"
	MCC              Metric = "mcc"
)

// Metrics lists every rankable metric.
func Metrics() []Metric {
	return []Metric{Accuracy, BalancedAccuracy, MacroF1, MCC}
}

// ParseMetric resolves a metric name. Hyphens and case are ignored.
func ParseMetric(s string) (Metric, error) {
	m := Metric(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Metrics() {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q (want accuracy, balanced_accuracy, macro_f1 or mcc)", s)
}

// Of returns the metric's value in r.
func (m Metric) Of(r Report) float64 {
	switch m {
	case Accuracy:
		return r.Accuracy
	case MacroF1:
		return r.MacroF1
	case MCC:
		return r.MCC
	default:
		return r.BalancedAccuracy
	}
}
