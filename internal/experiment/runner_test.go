package experiment_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/embedcache"
	"github.com/iishyfishyy/fewshot/internal/experiment"
	"github.com/iishyfishyy/fewshot/internal/logging"
	"github.com/iishyfishyy/fewshot/internal/support"
)

// tableExtractor returns a fixed vector per file path and counts how often each
// path was embedded.
type tableExtractor struct {
	id    backbone.ID
	table map[string][]float32

	mu    sync.Mutex
	calls map[string]int
}

func (e *tableExtractor) Embed(ctx context.Context, path string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *tableExtractor) EmbedBatch(ctx context.Context, paths []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]float32, len(paths))
	for i, p := range paths {
		v, ok := e.table[p]
		if !ok {
			return nil, fmt.Errorf("unexpected image %s", p)
		}
		e.calls[p]++
		out[i] = v
	}
	return out, nil
}

func (e *tableExtractor) Dimensions() int { return 4 }

func (e *tableExtractor) ID() backbone.ID { return e.id }

func (e *tableExtractor) maxCalls() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	most, total := 0, 0
	for _, n := range e.calls {
		most = max(most, n)
		total += n
	}
	return most, total
}

// recordingSink keeps everything in memory.
type recordingSink struct {
	mu        sync.Mutex
	began     []experiment.Cell
	persisted map[string]experiment.CellResult
	updates   []experiment.Cell
	finished  []experiment.Cell
	failKey   string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{persisted: make(map[string]experiment.CellResult)}
}

func (s *recordingSink) Begin(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.began = cells
	return nil
}

func (s *recordingSink) Persist(ctx context.Context, info experiment.RunInfo, r experiment.CellResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Cell.Key == s.failKey {
		return errors.New("disk full")
	}
	s.persisted[r.Cell.Key] = r
	return nil
}

func (s *recordingSink) Update(ctx context.Context, info experiment.RunInfo, c experiment.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, c)
	return nil
}

func (s *recordingSink) Finish(ctx context.Context, info experiment.RunInfo, cells []experiment.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = cells
	return nil
}

// fixture is a synthetic dataset: each class owns one axis of a 4-d space.
type fixture struct {
	supportDir string
	queryDir   string
	vectors    map[string][]float32
	truth      map[string]string
}

var classNames = []string{"ant", "bee", "cat", "dog"}

func newFixture(t *testing.T, perClass map[string]int, queriesPerClass int) *fixture {
	t.Helper()
	f := &fixture{
		supportDir: t.TempDir(),
		queryDir:   t.TempDir(),
		vectors:    make(map[string][]float32),
		truth:      make(map[string]string),
	}

	for k, class := range classNames {
		n, ok := perClass[class]
		if !ok {
			continue
		}
		dir := filepath.Join(f.supportDir, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			path := filepath.Join(dir, fmt.Sprintf("s%02d.png", i))
			if err := os.WriteFile(path, []byte(path), 0644); err != nil {
				t.Fatal(err)
			}
			v := make([]float32, 4)
			v[k] = 1
			v[(k+1)%4] = 0.05 * float32(i%3)
			f.vectors[path] = v
		}
		for j := 0; j < queriesPerClass; j++ {
			name := fmt.Sprintf("%s_q%02d.png", class, j)
			path := filepath.Join(f.queryDir, name)
			if err := os.WriteFile(path, []byte(path), 0644); err != nil {
				t.Fatal(err)
			}
			v := make([]float32, 4)
			v[k] = 1
			v[(k+2)%4] = 0.1 + 0.02*float32(j)
			f.vectors[path] = v
			f.truth[name] = class
		}
	}
	return f
}

func (f *fixture) runner(t *testing.T, loader backbone.Loader, sink experiment.Sink) *experiment.Runner {
	t.Helper()
	store, err := support.Open(f.supportDir, support.Flat)
	if err != nil {
		t.Fatal(err)
	}
	queries, err := experiment.LoadQueries(f.queryDir)
	if err != nil {
		t.Fatal(err)
	}
	return &experiment.Runner{
		Support:     store,
		Queries:     queries,
		QueryDir:    f.queryDir,
		Models:      backbone.NewModels(loader, 1),
		Embedder:    embedcache.NewEmbedder(nil, 7, logging.Discard()),
		Sink:        sink,
		Logger:      logging.Discard(),
		Concurrency: 3,
	}
}

func (f *fixture) loader(built map[backbone.ID]*tableExtractor) backbone.Loader {
	return func(ctx context.Context, id backbone.ID) (backbone.Extractor, error) {
		e := &tableExtractor{id: id, table: f.vectors, calls: make(map[string]int)}
		built[id] = e
		return e, nil
	}
}

func TestRunEmbedsEachImageOnce(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 12, "bee": 12, "cat": 12}, 4)
	built := make(map[backbone.ID]*tableExtractor)
	sink := newRecordingSink()
	r := f.runner(t, f.loader(built), sink)

	grid := experiment.Grid{
		Backbones:  []backbone.ID{backbone.ResNet50, backbone.CLIPViTB32},
		Shots:      []int{10, 1, 5},
		Thresholds: []float64{0.2, 0.5, 0.8, 0.95},
	}
	summary, err := r.Run(context.Background(), grid)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := summary.Count(experiment.StatusPersisted); got != 24 {
		t.Errorf("persisted %d cells, want 24", got)
	}

	for id, ext := range built {
		most, total := ext.maxCalls()
		if most != 1 {
			t.Errorf("%s embedded some image %d times", id, most)
		}
		// 12 queries + 10 support images for each of 3 classes
		if total != 12+30 {
			t.Errorf("%s embedded %d images, want 42", id, total)
		}
		if r.Embedder.Computed(id) != total {
			t.Errorf("Computed(%s) = %d, extractor saw %d", id, r.Embedder.Computed(id), total)
		}
	}
	if len(r.Models.Resident()) != 0 {
		t.Errorf("backbones still resident after run: %v", r.Models.Resident())
	}
	if len(sink.began) != 24 || len(sink.finished) != 24 {
		t.Errorf("sink saw %d cells at begin, %d at finish", len(sink.began), len(sink.finished))
	}
}

func TestRunCellStateMachine(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 2, "bee": 2}, 1)
	built := make(map[backbone.ID]*tableExtractor)
	sink := newRecordingSink()
	r := f.runner(t, f.loader(built), sink)

	var mu sync.Mutex
	seen := make(map[string][]experiment.Status)
	r.OnCell = func(c experiment.Cell) {
		mu.Lock()
		defer mu.Unlock()
		seen[c.Key] = append(seen[c.Key], c.Status)
	}

	grid := experiment.Grid{Backbones: []backbone.ID{backbone.HSLHistogram}, Shots: []int{1}, Thresholds: []float64{0.5}}
	if _, err := r.Run(context.Background(), grid); err != nil {
		t.Fatal(err)
	}

	key := experiment.Config{Backbone: backbone.HSLHistogram, Shots: 1, Threshold: 0.5}.Key()
	want := []experiment.Status{experiment.StatusEmbedding, experiment.StatusClassifying, experiment.StatusPersisted}
	got := seen[key]
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunInsufficientSupportFailsOnlyThatTier(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 8, "bee": 3}, 2)
	built := make(map[backbone.ID]*tableExtractor)
	r := f.runner(t, f.loader(built), newRecordingSink())

	grid := experiment.Grid{
		Backbones:  []backbone.ID{backbone.ResNet50},
		Shots:      []int{1, 5},
		Thresholds: []float64{0.5, 0.7},
	}
	summary, err := r.Run(context.Background(), grid)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, c := range summary.Cells {
		switch c.Config.Shots {
		case 1:
			if c.Status != experiment.StatusPersisted {
				t.Errorf("%s status = %s (%s)", c.Key, c.Status, c.Reason)
			}
		case 5:
			if c.Status != experiment.StatusFailed {
				t.Errorf("%s status = %s, want failed", c.Key, c.Status)
			}
			if !strings.Contains(c.Reason, `"bee"`) || !strings.Contains(c.Reason, "3 images available, 5 requested") {
				t.Errorf("%s reason = %q", c.Key, c.Reason)
			}
		}
	}

	// the infeasible tier must not have embedded bee's images as a 5-shot set
	ext := built[backbone.ResNet50]
	for path, n := range ext.calls {
		if strings.Contains(path, filepath.Join("ant", "s05")) && n > 0 {
			t.Errorf("embedded %s for an infeasible tier", path)
		}
	}
}

func TestRunBackboneLoadErrorIsIsolated(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 2, "bee": 2}, 2)
	built := make(map[backbone.ID]*tableExtractor)
	good := f.loader(built)
	loader := func(ctx context.Context, id backbone.ID) (backbone.Extractor, error) {
		if id == backbone.DINOv2ViTB14 {
			return nil, errors.New("checksum mismatch")
		}
		return good(ctx, id)
	}
	r := f.runner(t, loader, newRecordingSink())

	grid := experiment.Grid{
		Backbones:  []backbone.ID{backbone.DINOv2ViTB14, backbone.HaarWavelet},
		Shots:      []int{1, 2},
		Thresholds: []float64{0.6},
	}
	summary, err := r.Run(context.Background(), grid)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, c := range summary.Cells {
		if c.Config.Backbone == backbone.DINOv2ViTB14 {
			if c.Status != experiment.StatusFailed || !strings.Contains(c.Reason, "checksum mismatch") {
				t.Errorf("%s = %s (%s), want failed load", c.Key, c.Status, c.Reason)
			}
		} else if c.Status != experiment.StatusPersisted {
			t.Errorf("%s = %s (%s), want persisted", c.Key, c.Status, c.Reason)
		}
	}
}

func TestRunAllBackbonesFail(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 2}, 1)
	loader := func(ctx context.Context, id backbone.ID) (backbone.Extractor, error) {
		return nil, errors.New("no GPU")
	}
	r := f.runner(t, loader, newRecordingSink())

	grid := experiment.Grid{Backbones: []backbone.ID{backbone.ResNet50, backbone.CLIPViTB32}, Shots: []int{1}, Thresholds: []float64{0.5}}
	summary, err := r.Run(context.Background(), grid)
	if !errors.Is(err, experiment.ErrAllBackbonesFailed) {
		t.Fatalf("Run() error = %v, want ErrAllBackbonesFailed", err)
	}
	if summary.Count(experiment.StatusFailed) != 2 {
		t.Errorf("failed cells = %d, want 2", summary.Count(experiment.StatusFailed))
	}
}

func TestRunPersistFailureFailsOneCell(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 2, "bee": 2}, 1)
	sink := newRecordingSink()
	bad := experiment.Config{Backbone: backbone.ResNet50, Shots: 1, Threshold: 0.4}
	sink.failKey = bad.Key()
	r := f.runner(t, f.loader(map[backbone.ID]*tableExtractor{}), sink)

	grid := experiment.Grid{Backbones: []backbone.ID{backbone.ResNet50}, Shots: []int{1}, Thresholds: []float64{0.4, 0.6}}
	summary, err := r.Run(context.Background(), grid)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Count(experiment.StatusFailed) != 1 || summary.Count(experiment.StatusPersisted) != 1 {
		t.Errorf("cells = %+v", summary.Cells)
	}
}

func TestRunAbortKeepsPersistedCells(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 2, "bee": 2}, 2)
	sink := newRecordingSink()
	r := f.runner(t, f.loader(map[backbone.ID]*tableExtractor{}), sink)
	r.Concurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.OnCell = func(c experiment.Cell) {
		if c.Status == experiment.StatusPersisted {
			cancel()
		}
	}

	grid := experiment.Grid{
		Backbones:  []backbone.ID{backbone.ResNet50, backbone.CLIPViTB32},
		Shots:      []int{1},
		Thresholds: []float64{0.1, 0.2, 0.3},
	}
	summary, err := r.Run(ctx, grid)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := summary.Count(experiment.StatusPersisted); got != 1 {
		t.Errorf("persisted = %d, want 1", got)
	}
	if got := summary.Count(experiment.StatusPending); got != 5 {
		t.Errorf("pending = %d, want 5", got)
	}
	if len(sink.persisted) != 1 {
		t.Errorf("sink holds %d cells, want 1", len(sink.persisted))
	}
	if len(sink.finished) != 6 {
		t.Errorf("Finish saw %d cells, want 6", len(sink.finished))
	}
}

// cancellingSink aborts the run from inside the first Persist and fails any
// write whose context is already cancelled.
type cancellingSink struct {
	*recordingSink
	cancel context.CancelFunc
	once   sync.Once
}

func (s *cancellingSink) Persist(ctx context.Context, info experiment.RunInfo, r experiment.CellResult) error {
	s.once.Do(s.cancel)
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.recordingSink.Persist(ctx, info, r)
}

func TestRunAbortDuringPersistKeepsCell(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 2, "bee": 2}, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancellingSink{recordingSink: newRecordingSink(), cancel: cancel}
	r := f.runner(t, f.loader(map[backbone.ID]*tableExtractor{}), sink)
	r.Concurrency = 1

	grid := experiment.Grid{Backbones: []backbone.ID{backbone.ResNet50}, Shots: []int{1}, Thresholds: []float64{0.1, 0.2}}
	summary, err := r.Run(ctx, grid)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := summary.Count(experiment.StatusPersisted); got != 1 {
		t.Errorf("persisted = %d, want 1", got)
	}
	if got := summary.Count(experiment.StatusFailed); got != 0 {
		t.Errorf("failed = %d, want 0", got)
	}
	if len(sink.persisted) != 1 {
		t.Errorf("sink holds %d cells, want 1", len(sink.persisted))
	}
}

func TestRunThresholdOneIsAllUnknown(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 3, "bee": 3, "cat": 3}, 3)
	sink := newRecordingSink()
	r := f.runner(t, f.loader(map[backbone.ID]*tableExtractor{}), sink)

	cfg := experiment.Config{Backbone: backbone.ResNet50, Shots: 3, Threshold: 1.0}
	grid := experiment.Grid{Backbones: []backbone.ID{cfg.Backbone}, Shots: []int{3}, Thresholds: []float64{1.0}}
	if _, err := r.Run(context.Background(), grid); err != nil {
		t.Fatal(err)
	}

	res, ok := sink.persisted[cfg.Key()]
	if !ok {
		t.Fatalf("cell %s not persisted", cfg.Key())
	}
	for _, p := range res.Predictions {
		if p.Label != classify.Unknown {
			t.Errorf("%s labelled %q at threshold 1.0", p.Ref, p.Label)
		}
		if p.BestClass == "" || len(p.Similarities) != 3 {
			t.Errorf("%s lost its evidence: %+v", p.Ref, p)
		}
	}
}

func TestRunRejectsInvalidGrid(t *testing.T) {
	f := newFixture(t, map[string]int{"ant": 2}, 1)
	r := f.runner(t, f.loader(map[backbone.ID]*tableExtractor{}), newRecordingSink())

	_, err := r.Run(context.Background(), experiment.Grid{Backbones: []backbone.ID{"alexnet"}, Shots: []int{1}, Thresholds: []float64{0.5}})
	var unsupported *backbone.UnsupportedBackboneError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Run() error = %v, want UnsupportedBackboneError", err)
	}

	for _, thr := range []float64{math.NaN(), math.Inf(1)} {
		summary, err := r.Run(context.Background(), experiment.Grid{Backbones: []backbone.ID{backbone.ResNet50}, Shots: []int{1}, Thresholds: []float64{0.5, thr}})
		if err == nil || !strings.Contains(err.Error(), "outside [-1, 1]") {
			t.Errorf("Run() with threshold %v error = %v", thr, err)
		}
		if summary != nil {
			t.Errorf("Run() with threshold %v returned a summary", thr)
		}
	}
}
