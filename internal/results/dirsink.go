package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/experiment"
	"github.com/iishyfishyy/fewshot/internal/logging"
	"github.com/iishyfishyy/fewshot/internal/prototype"
	"github.com/iishyfishyy/fewshot/internal/support"
)

const (
	ManifestFileName    = "run.json"
	PredictionsFileName = "predictions.json"
	SummaryFileName     = "summary.json"
	PrototypesFileName  = "prototypes.json"
	CellsDirName        = "cells"
)

// Manifest is the content of run.json. It is rewritten after every change so
// an interrupted run still describes exactly which cells are usable.
type Manifest struct {
	Run       experiment.RunInfo `json:"run"`
	Cells     []experiment.Cell  `json:"cells"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// CellFile is the content of a cell's predictions.json.
type CellFile struct {
	Cell        experiment.Cell       `json:"cell"`
	Groups      map[string][]string   `json:"groups"`
	Predictions []classify.Prediction `json:"predictions"`
}

type prototypeFile struct {
	Class    string    `json:"class"`
	Backbone string    `json:"backbone"`
	Shots    int       `json:"shots"`
	Vector   []float32 `json:"vector"`
}

// DirSink writes a run to a directory:
//
//	<root>/run.json
//	<root>/cells/<key>/predictions.json
//	<root>/cells/<key>/summary.json
//	<root>/cells/<key>/prototypes.json
//	<root>/cells/<key>/<label>/<image>   (when CopyImages is set)
type DirSink struct {
	Root       string
	CopyImages bool
	Logger     *slog.Logger

	mu    sync.Mutex
	info  experiment.RunInfo
	cells map[string]experiment.Cell
	order []string
}

var _ experiment.Sink = (*DirSink)(nil)

// NewDirSink returns a sink writing under root.
func NewDirSink(root string, copyImages bool, logger *slog.Logger) *DirSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DirSink{Root: root, CopyImages: copyImages, Logger: logger}
}

func (s *DirSink) Begin(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	if err := os.MkdirAll(filepath.Join(s.Root, CellsDirName), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.cells = make(map[string]experiment.Cell, len(cells))
	s.order = s.order[:0]
	for _, c := range cells {
		s.cells[c.Key] = c
		s.order = append(s.order, c.Key)
	}
	return s.writeManifest()
}

func (s *DirSink) Persist(ctx context.Context, info experiment.RunInfo, r experiment.CellResult) error {
	if err := s.writeCell(r); err != nil {
		return err
	}
	s.Logger.Debug("cell written", "cell", r.Cell.Key, "dir", s.CellDir(r.Cell.Key))
	return s.set(r.Cell)
}

func (s *DirSink) Update(ctx context.Context, info experiment.RunInfo, c experiment.Cell) error {
	return s.set(c)
}

func (s *DirSink) Finish(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	for _, c := range cells {
		s.cells[c.Key] = c
	}
	return s.writeManifest()
}

// CellDir is where a cell's files live.
func (s *DirSink) CellDir(key string) string {
	return filepath.Join(s.Root, CellsDirName, key)
}

func (s *DirSink) set(c experiment.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[c.Key] = c
	return s.writeManifest()
}

// writeManifest must be called with mu held.
func (s *DirSink) writeManifest() error {
	m := Manifest{Run: s.info, UpdatedAt: time.Now().UTC()}
	for _, key := range s.order {
		m.Cells = append(m.Cells, s.cells[key])
	}
	return writeJSONAtomic(filepath.Join(s.Root, ManifestFileName), m)
}

// writeCell builds the cell directory next to its final location and renames
// it into place, so a cell directory is either complete or absent.
func (s *DirSink) writeCell(r experiment.CellResult) error {
	final := s.CellDir(r.Cell.Key)
	tmp, err := os.MkdirTemp(filepath.Dir(final), "."+r.Cell.Key+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create cell directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	cf := CellFile{Cell: r.Cell, Groups: Groups(r.Predictions), Predictions: r.Predictions}
	if err := writeJSON(filepath.Join(tmp, PredictionsFileName), cf); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(tmp, SummaryFileName), Summarize(r.Predictions)); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(tmp, PrototypesFileName), prototypeFiles(r.Prototypes)); err != nil {
		return err
	}

	if s.CopyImages {
		if err := copyGrouped(tmp, r.Predictions, r.Prototypes.Classes()); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("failed to replace %s: %w", final, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to move cell into place: %w", err)
	}
	return nil
}

// copyGrouped files every predicted image under dir/<label>/. Every class and
// unknown get a folder, even when empty, so a reviewer can move images into it.
func copyGrouped(dir string, preds []classify.Prediction, classes []string) error {
	for _, label := range append(classes, classify.Unknown) {
		if err := os.MkdirAll(filepath.Join(dir, label), 0755); err != nil {
			return fmt.Errorf("failed to create label folder: %w", err)
		}
	}
	for _, p := range preds {
		if p.Path == "" {
			return fmt.Errorf("prediction for %s has no source path", p.Ref)
		}
		if err := os.MkdirAll(filepath.Join(dir, p.Label), 0755); err != nil {
			return fmt.Errorf("failed to create label folder: %w", err)
		}
		if err := support.CopyFile(p.Path, filepath.Join(dir, p.Label, p.Ref)); err != nil {
			return err
		}
	}
	return nil
}

func prototypeFiles(set prototype.Set) []prototypeFile {
	out := make([]prototypeFile, len(set))
	for i, p := range set {
		out[i] = prototypeFile{Class: p.Class, Backbone: string(p.Backbone), Shots: p.Shots, Vector: p.Vector}
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	if err := writeJSON(tmp, v); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
