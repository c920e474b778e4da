package ui

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/evaluate"
	"github.com/iishyfishyy/fewshot/internal/experiment"
	"github.com/iishyfishyy/fewshot/internal/groundtruth"
)

func TestCellTable(t *testing.T) {
	cfg := experiment.Config{Backbone: backbone.ResNet50, Shots: 5, Threshold: 0.7}
	cells := []experiment.Cell{
		{Config: cfg, Key: cfg.Key(), Status: experiment.StatusPersisted, Predictions: 20},
		{Config: cfg, Key: cfg.Key(), Status: experiment.StatusFailed, Reason: "first\nsecond"},
	}

	var buf bytes.Buffer
	if err := CellTable(&buf, cells); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"BACKBONE", "resnet50", "0.70", "persisted", "20", "first; second"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 3 {
		t.Errorf("got %d lines, want 3", lines)
	}
}

func TestRankingAndConfusionTables(t *testing.T) {
	truth := groundtruth.Labels{"a": "cat", "b": "dog"}
	preds := []classify.Prediction{{Ref: "a", Label: "cat"}, {Ref: "b", Label: classify.Unknown}}
	cfg := experiment.Config{Backbone: backbone.HaarWavelet, Shots: 1, Threshold: 0.5}
	rank := evaluate.EvaluateAll([]evaluate.Candidate{{Config: cfg, Predictions: preds}}, truth, evaluate.Options{TopK: 3})

	var buf bytes.Buffer
	if err := RankingTable(&buf, rank); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); !strings.Contains(out, "BALANCED_ACCURACY") || !strings.Contains(out, "1*") || !strings.Contains(out, "haar-wavelet") {
		t.Errorf("ranking table:\n%s", out)
	}

	buf.Reset()
	if err := ConfusionTable(&buf, rank.Reports[0]); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"truth \\ predicted", "unknown", "PRECISION"} {
		if !strings.Contains(out, want) {
			t.Errorf("confusion table missing %q:\n%s", want, out)
		}
	}
}

func TestOneLineKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("é", 100)
	got := oneLine(long)
	if !utf8.ValidString(got) {
		t.Errorf("oneLine() split a rune: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 80 {
		t.Errorf("oneLine() kept %d runes, want 80", n)
	}
	if got := oneLine("short\nreason"); got != "short; reason" {
		t.Errorf("oneLine() = %q", got)
	}
}

func TestPredictionTable(t *testing.T) {
	preds := []classify.Prediction{
		{Ref: "a.png", Label: "cat", BestClass: "cat", Score: 0.91},
		{Ref: "b.png", Label: classify.Unknown, BestClass: "dog", Score: 0.4},
	}
	var buf bytes.Buffer
	if err := PredictionTable(&buf, preds); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"BEST MATCH", "a.png", "0.9100", "unknown", "dog"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
