// Package experiment runs the backbone × shots × threshold grid and tracks the
// state of every cell.
package experiment

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/classify"
)

// Config is one grid cell. It is a comparable value.
type Config struct {
	Backbone  backbone.ID `json:"backbone"`
	Shots     int         `json:"shots"`
	Threshold float64     `json:"threshold"`
}

// Key is a file-system safe identifier, e.g. "resnet50_shots-5_thr-0.70".
func (c Config) Key() string {
	return fmt.Sprintf("%s_shots-%d_thr-%s", c.Backbone, c.Shots, FormatThreshold(c.Threshold))
}

func (c Config) String() string {
	return fmt.Sprintf("%s / %d-shot / %s", c.Backbone, c.Shots, FormatThreshold(c.Threshold))
}

// FormatThreshold prints at least two decimals and as many more as needed to
// round-trip.
func FormatThreshold(t float64) string {
	s := strconv.FormatFloat(t, 'f', 2, 64)
	if v, err := strconv.ParseFloat(s, 64); err == nil && v == t {
		return s
	}
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// Grid is the search space of a run.
type Grid struct {
	Backbones  []backbone.ID `json:"backbones"`
	Shots      []int         `json:"shots"`
	Thresholds []float64     `json:"thresholds"`
}

// Validate checks the grid before any work starts.
func (g Grid) Validate() error {
	var errs []error
	if len(g.Backbones) == 0 {
		errs = append(errs, errors.New("grid has no backbones"))
	}
	for _, id := range g.Backbones {
		if _, err := backbone.Parse(string(id)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(g.Shots) == 0 {
		errs = append(errs, errors.New("grid has no shot counts"))
	}
	for _, n := range g.Shots {
		if n < 1 {
			errs = append(errs, fmt.Errorf("shot count must be at least 1, got %d", n))
		}
	}
	if len(g.Thresholds) == 0 {
		errs = append(errs, errors.New("grid has no thresholds"))
	}
	for _, t := range g.Thresholds {
		if err := classify.CheckThreshold(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cells enumerates the Cartesian product in backbone, shots, threshold order.
// Duplicate cells are dropped.
func (g Grid) Cells() []Config {
	seen := make(map[Config]bool)
	var out []Config
	for _, b := range g.Backbones {
		for _, n := range g.Shots {
			for _, t := range g.Thresholds {
				c := Config{Backbone: b, Shots: n, Threshold: t}
				if !seen[c] {
					seen[c] = true
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// Status is the lifecycle stage of a cell.
type Status string

const (
	StatusPending     Status = "pending"
	StatusEmbedding   Status = "embedding"
	StatusClassifying Status = "classifying"
	StatusPersisted   Status = "persisted"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPersisted || s == StatusFailed
}

// Cell is a grid cell with its current status. Reason explains a failure, or
// why a cell is still pending after the run ended.
type Cell struct {
	Config      Config `json:"config"`
	Key         string `json:"key"`
	Status      Status `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Predictions int    `json:"predictions,omitempty"`
}
