package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/evaluate"
	"github.com/iishyfishyy/fewshot/internal/experiment"
	"github.com/iishyfishyy/fewshot/internal/groundtruth"
)

// ErrDraftExists is returned when a ground-truth draft would overwrite earlier work.
var ErrDraftExists = errors.New("ground truth draft already exists")

// Run is a run directory read back from disk.
type Run struct {
	Dir   string
	Info  experiment.RunInfo
	Cells []experiment.Cell

	predictions map[string][]classify.Prediction
}

// LoadRun reads the manifest of dir and the predictions of every persisted
// cell. Cells that never persisted are listed but carry no predictions.
func LoadRun(dir string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read run manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse run manifest: %w", err)
	}

	r := &Run{Dir: dir, Info: m.Run, Cells: m.Cells, predictions: make(map[string][]classify.Prediction)}
	for _, c := range m.Cells {
		if c.Status != experiment.StatusPersisted {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, CellsDirName, c.Key, PredictionsFileName))
		if err != nil {
			return nil, fmt.Errorf("failed to read cell %s: %w", c.Key, err)
		}
		var cf CellFile
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse cell %s: %w", c.Key, err)
		}
		r.predictions[c.Key] = cf.Predictions
	}
	return r, nil
}

// Cell looks up a cell by key.
func (r *Run) Cell(key string) (experiment.Cell, bool) {
	for _, c := range r.Cells {
		if c.Key == key {
			return c, true
		}
	}
	return experiment.Cell{}, false
}

// Predictions returns a persisted cell's predictions.
func (r *Run) Predictions(key string) ([]classify.Prediction, bool) {
	p, ok := r.predictions[key]
	return p, ok
}

// Candidates returns every persisted cell in manifest order, ready for evaluation.
func (r *Run) Candidates() []evaluate.Candidate {
	var out []evaluate.Candidate
	for _, c := range r.Cells {
		if preds, ok := r.predictions[c.Key]; ok {
			out = append(out, evaluate.Candidate{Config: c.Config, Predictions: preds})
		}
	}
	return out
}

// CreateDraft copies one persisted cell into draftDir as a class-per-folder
// ground-truth draft with a seeded labels.json. The draft is a snapshot: it
// is never touched again by later runs, and an existing non-empty draftDir is
// refused with ErrDraftExists.
func CreateDraft(runDir, cellKey, draftDir string) error {
	if entries, err := os.ReadDir(draftDir); err == nil && len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrDraftExists, draftDir)
	}

	run, err := LoadRun(runDir)
	if err != nil {
		return err
	}
	cell, ok := run.Cell(cellKey)
	if !ok {
		return fmt.Errorf("run %s has no cell %s", run.Info.ID, cellKey)
	}
	preds, ok := run.Predictions(cellKey)
	if !ok {
		return fmt.Errorf("cell %s is %s, only persisted cells can seed a draft", cellKey, cell.Status)
	}

	parent := filepath.Dir(filepath.Clean(draftDir))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("failed to create draft parent: %w", err)
	}
	tmp := filepath.Join(parent, "."+filepath.Base(draftDir)+".tmp-"+uuid.NewString())
	defer os.RemoveAll(tmp)

	classes := make(map[string]bool)
	for _, p := range preds {
		for c := range p.Similarities {
			classes[c] = true
		}
	}
	var labels []string
	for c := range classes {
		labels = append(labels, c)
	}
	if err := copyGrouped(tmp, withSource(preds, run.Dir, cellKey), labels); err != nil {
		return err
	}

	store := groundtruth.NewStore()
	store.Seed(preds, groundtruth.Source{Run: run.Info.ID, Cell: cellKey, SeededAt: time.Now().UTC()})
	if err := store.WriteJSON(filepath.Join(tmp, groundtruth.FileName)); err != nil {
		return err
	}

	// an empty placeholder may be replaced; anything else was refused above
	os.Remove(draftDir)
	if err := os.Rename(tmp, draftDir); err != nil {
		return fmt.Errorf("failed to move draft into place: %w", err)
	}
	return nil
}

// withSource points each prediction at a readable copy of its image: the
// original query file when it still exists, otherwise the copy in the cell directory.
func withSource(preds []classify.Prediction, runDir, key string) []classify.Prediction {
	out := make([]classify.Prediction, len(preds))
	for i, p := range preds {
		out[i] = p
		if p.Path != "" {
			if _, err := os.Stat(p.Path); err == nil {
				continue
			}
		}
		out[i].Path = filepath.Join(runDir, CellsDirName, key, p.Label, p.Ref)
	}
	return out
}
