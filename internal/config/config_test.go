package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iishyfishyy/fewshot/internal/backbone"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("FEWSHOT_HOME", t.TempDir())
	t.Setenv("FEWSHOT_SERVICE_URL", "")
	t.Setenv("FEWSHOT_BATCH_SIZE", "")
	t.Setenv("FEWSHOT_CACHE_PATH", "")
	t.Setenv("FEWSHOT_MAX_RESIDENT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServiceURL != DefaultServiceURL {
		t.Errorf("ServiceURL = %q, want %q", cfg.ServiceURL, DefaultServiceURL)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.MaxResident != 1 {
		t.Errorf("MaxResident = %d, want 1", cfg.MaxResident)
	}
}

func TestSaveLoadRoundTripWithEnvOverride(t *testing.T) {
	t.Setenv("FEWSHOT_HOME", t.TempDir())
	t.Setenv("FEWSHOT_SERVICE_URL", "")
	t.Setenv("FEWSHOT_CACHE_PATH", "")
	t.Setenv("FEWSHOT_MAX_RESIDENT", "")

	if err := Save(&Config{ServiceURL: "http://gpu:9000", BatchSize: 8, Concurrency: 4}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	t.Setenv("FEWSHOT_BATCH_SIZE", "64")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServiceURL != "http://gpu:9000" {
		t.Errorf("ServiceURL = %q", cfg.ServiceURL)
	}
	if cfg.BatchSize != 64 {
		t.Errorf("BatchSize = %d, want env override 64", cfg.BatchSize)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("FEWSHOT_HOME", t.TempDir())
	t.Setenv("FEWSHOT_BATCH_SIZE", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric batch size")
	}
}

func writeExperiment(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExperimentValid(t *testing.T) {
	support := t.TempDir()
	query := t.TempDir()
	path := writeExperiment(t, `
support: `+support+`
query: `+query+`
output: out
backbones: [resnet50, hsl-histogram, resnet50]
shots: [5, 1, 5]
thresholds: [0.7, 0.5]
`)

	exp, err := LoadExperiment(path)
	if err != nil {
		t.Fatalf("LoadExperiment() error = %v", err)
	}
	if err := exp.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if exp.SupportMode != "flat" {
		t.Errorf("SupportMode = %q, want flat", exp.SupportMode)
	}
	if exp.Evaluation.PrimaryMetric != "balanced_accuracy" || exp.Evaluation.TopK != 5 {
		t.Errorf("Evaluation defaults = %+v", exp.Evaluation)
	}

	ids := exp.BackboneIDs()
	if len(ids) != 2 || ids[0] != backbone.ResNet50 || ids[1] != backbone.HSLHistogram {
		t.Errorf("BackboneIDs() = %v", ids)
	}
	if shots := exp.ShotCounts(); len(shots) != 2 || shots[0] != 1 || shots[1] != 5 {
		t.Errorf("ShotCounts() = %v", shots)
	}
	if thr := exp.ThresholdValues(); len(thr) != 2 || thr[0] != 0.5 {
		t.Errorf("ThresholdValues() = %v", thr)
	}
}

func TestValidateFailsFast(t *testing.T) {
	exp := &Experiment{
		Support:    filepath.Join(t.TempDir(), "missing"),
		Query:      t.TempDir(),
		Output:     "out",
		Backbones:  []string{"vgg16"},
		Shots:      []int{0},
		Thresholds: []float64{1.5},
	}

	err := exp.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	var unsupported *backbone.UnsupportedBackboneError
	if !errors.As(err, &unsupported) || unsupported.ID != "vgg16" {
		t.Errorf("expected UnsupportedBackboneError for vgg16, got %v", err)
	}
	for _, want := range []string{"support:", "shot count", "outside [-1, 1]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidateRejectsNaNThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exp.yaml")
	content := "support: " + dir + "\nquery: " + dir + "\noutput: out\nbackbones: [resnet50]\nshots: [1]\nthresholds: [0.5, .nan]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	exp, err := LoadExperiment(path)
	if err != nil {
		t.Fatalf("LoadExperiment() error = %v", err)
	}
	if err := exp.Validate(); err == nil || !strings.Contains(err.Error(), "NaN") {
		t.Errorf("Validate() error = %v, want NaN threshold rejected", err)
	}
}
