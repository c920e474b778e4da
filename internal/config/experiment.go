package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/evaluate"
)

// Experiment describes one grid search: where the images live, where results go,
// and which backbone × shots × threshold cells to run.
type Experiment struct {
	Support     string     `yaml:"support"`
	SupportMode string     `yaml:"support_mode"`
	Query       string     `yaml:"query"`
	Output      string     `yaml:"output"`
	Backbones   []string   `yaml:"backbones"`
	Shots       []int      `yaml:"shots"`
	Thresholds  []float64  `yaml:"thresholds"`
	Evaluation  Evaluation `yaml:"evaluation"`
}

// Evaluation holds ranking preferences for the evaluate command.
type Evaluation struct {
	PrimaryMetric string `yaml:"primary_metric"`
	TopK          int    `yaml:"top_k"`
}

// LoadExperiment parses an experiment file. Missing optional fields get defaults.
func LoadExperiment(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment file: %w", err)
	}

	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment file: %w", err)
	}
	exp.applyDefaults()
	return &exp, nil
}

func (e *Experiment) applyDefaults() {
	if e.SupportMode == "" {
		e.SupportMode = "flat"
	}
	if e.Evaluation.PrimaryMetric == "" {
		e.Evaluation.PrimaryMetric = string(evaluate.BalancedAccuracy)
	}
	if e.Evaluation.TopK <= 0 {
		e.Evaluation.TopK = 5
	}
}

// Validate rejects an experiment before any embedding work starts.
// All problems are reported together.
func (e *Experiment) Validate() error {
	e.applyDefaults()

	var errs []error

	if e.Support == "" {
		errs = append(errs, errors.New("support directory is required"))
	} else if err := requireDir(e.Support); err != nil {
		errs = append(errs, fmt.Errorf("support: %w", err))
	}
	if e.Query == "" {
		errs = append(errs, errors.New("query directory is required"))
	} else if err := requireDir(e.Query); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}
	if e.Output == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if e.SupportMode != "flat" && e.SupportMode != "tiered" {
		errs = append(errs, fmt.Errorf("support_mode must be flat or tiered, got %q", e.SupportMode))
	}

	if len(e.Backbones) == 0 {
		errs = append(errs, errors.New("at least one backbone is required"))
	}
	for _, name := range e.Backbones {
		if _, err := backbone.Parse(name); err != nil {
			errs = append(errs, err)
		}
	}

	if len(e.Shots) == 0 {
		errs = append(errs, errors.New("at least one shot count is required"))
	}
	for _, n := range e.Shots {
		if n < 1 {
			errs = append(errs, fmt.Errorf("shot count must be at least 1, got %d", n))
		}
	}

	if len(e.Thresholds) == 0 {
		errs = append(errs, errors.New("at least one threshold is required"))
	}
	for _, t := range e.Thresholds {
		if err := classify.CheckThreshold(t); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := evaluate.ParseMetric(e.Evaluation.PrimaryMetric); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// BackboneIDs returns the parsed backbones in file order, without duplicates.
// Call Validate first.
func (e *Experiment) BackboneIDs() []backbone.ID {
	seen := make(map[backbone.ID]bool)
	var ids []backbone.ID
	for _, name := range e.Backbones {
		id, err := backbone.Parse(name)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// ShotCounts returns the shot counts sorted ascending, without duplicates.
func (e *Experiment) ShotCounts() []int {
	seen := make(map[int]bool)
	var out []int
	for _, n := range e.Shots {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// ThresholdValues returns the thresholds sorted ascending, without duplicates.
func (e *Experiment) ThresholdValues() []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, t := range e.Thresholds {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Float64s(out)
	return out
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
