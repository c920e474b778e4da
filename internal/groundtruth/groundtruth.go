// Package groundtruth holds the human-curated labels used to score every grid
// cell. Labels start as a copy of one cell's predictions and are corrected by
// overrides addressed by image reference.
package groundtruth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/support"
)

// FileName is the label file written into a draft directory.
const FileName = "labels.json"

// Labels maps an image reference to its authoritative class, or classify.Unknown.
type Labels map[string]string

// Refs returns the references, sorted.
func (l Labels) Refs() []string {
	refs := make([]string, 0, len(l))
	for r := range l {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return refs
}

// Source records which run and cell a label set was seeded from.
type Source struct {
	Run      string    `json:"run,omitempty"`
	Cell     string    `json:"cell,omitempty"`
	SeededAt time.Time `json:"seeded_at,omitempty"`
}

// Change is one reference whose label differs between two sources.
type Change struct {
	Ref       string `json:"ref"`
	Predicted string `json:"predicted"`
	Truth     string `json:"truth"`
}

// Store is a mutable override layer over seeded labels.
type Store struct {
	Source Source

	mu        sync.RWMutex
	seed      Labels
	overrides Labels
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{seed: Labels{}, overrides: Labels{}}
}

// Seed replaces the base labels with the predicted labels and drops all overrides.
func (s *Store) Seed(preds []classify.Prediction, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Source = src
	s.seed = make(Labels, len(preds))
	for _, p := range preds {
		s.seed[p.Ref] = p.Label
	}
	s.overrides = Labels{}
}

// Set records label as the truth for ref. Setting a reference back to its seeded
// label removes the override.
func (s *Store) Set(ref, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seeded, ok := s.seed[ref]; ok && seeded == label {
		delete(s.overrides, ref)
		return
	}
	s.overrides[ref] = label
}

// Label returns the current truth for ref.
func (s *Store) Label(ref string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.overrides[ref]; ok {
		return l, true
	}
	l, ok := s.seed[ref]
	return l, ok
}

// Labels returns the seed with every override applied.
func (s *Store) Labels() Labels {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Labels, len(s.seed)+len(s.overrides))
	for r, l := range s.seed {
		out[r] = l
	}
	for r, l := range s.overrides {
		out[r] = l
	}
	return out
}

// Overrides returns a copy of the human corrections.
func (s *Store) Overrides() Labels {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Labels, len(s.overrides))
	for r, l := range s.overrides {
		out[r] = l
	}
	return out
}

// Diff lists the predictions whose label disagrees with the current truth,
// sorted by reference. References without truth are skipped.
func (s *Store) Diff(preds []classify.Prediction) []Change {
	labels := s.Labels()
	var out []Change
	for _, p := range preds {
		truth, ok := labels[p.Ref]
		if !ok || truth == p.Label {
			continue
		}
		out = append(out, Change{Ref: p.Ref, Predicted: p.Label, Truth: truth})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

type fileFormat struct {
	Source    Source `json:"source"`
	Labels    Labels `json:"labels"`
	Overrides Labels `json:"overrides,omitempty"`
}

// WriteJSON saves the seed and overrides to path.
func (s *Store) WriteJSON(path string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(fileFormat{Source: s.Source, Labels: s.seed, Overrides: s.overrides}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}
	return nil
}

// Load reads ground truth from path.
//
// A file is read as a label file. A directory is read as a class-per-folder
// layout (<dir>/<class>/<image>), where the folder an image sits in is its
// label; if the directory also has a label file, that file supplies the seed so
// images moved by a person show up as overrides. A directory without class
// folders falls back to its label file.
func Load(path string) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ground truth: %w", err)
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	layout, err := loadLayout(path)
	if err != nil {
		return nil, err
	}

	labelFile := filepath.Join(path, FileName)
	_, statErr := os.Stat(labelFile)
	hasFile := statErr == nil

	switch {
	case len(layout) == 0 && hasFile:
		return loadFile(labelFile)
	case len(layout) == 0:
		return nil, fmt.Errorf("ground truth %s has no class folders and no %s", path, FileName)
	case !hasFile:
		s := NewStore()
		s.seed = layout
		return s, nil
	}

	s, err := loadFile(labelFile)
	if err != nil {
		return nil, err
	}
	for ref, label := range layout {
		s.Set(ref, label)
	}
	return s, nil
}

func loadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse labels %s: %w", path, err)
	}

	s := NewStore()
	s.Source = f.Source
	if f.Labels != nil {
		s.seed = f.Labels
	}
	for ref, label := range f.Overrides {
		s.Set(ref, label)
	}
	return s, nil
}

// loadLayout reads <dir>/<class>/<image>. Image names must be unique across classes.
func loadLayout(dir string) (Labels, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read ground truth: %w", err)
	}

	labels := Labels{}
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names, err := support.ImageFiles(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if prev, ok := labels[name]; ok {
				return nil, fmt.Errorf("image %q is filed under both %q and %q", name, prev, e.Name())
			}
			labels[name] = e.Name()
		}
	}
	return labels, nil
}

// Classes lists the class folders of a class-per-folder directory, sorted.
// Empty folders count, so a class nothing was filed under can still be chosen.
// Unknown is left out.
func Classes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read ground truth: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' || e.Name() == classify.Unknown {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Move refiles an image inside a class-per-folder directory. It is how a
// correction made in the review prompt is mirrored on disk.
func Move(dir, ref, from, to string) error {
	src := filepath.Join(dir, from, ref)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("image %s not found under %s: %w", ref, from, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, to), 0755); err != nil {
		return fmt.Errorf("failed to create class folder: %w", err)
	}
	if err := os.Rename(src, filepath.Join(dir, to, ref)); err != nil {
		return fmt.Errorf("failed to move %s: %w", ref, err)
	}
	return nil
}
