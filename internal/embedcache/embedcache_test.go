package embedcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/logging"
)

// Ensure stores implement Store
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

// countingExtractor returns the file size as a one-element vector and counts calls per path.
type countingExtractor struct {
	mu      sync.Mutex
	calls   map[string]int
	batches int
}

func newCountingExtractor() *countingExtractor {
	return &countingExtractor{calls: make(map[string]int)}
}

func (c *countingExtractor) Embed(ctx context.Context, path string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *countingExtractor) EmbedBatch(ctx context.Context, paths []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches++
	out := make([][]float32, len(paths))
	for i, p := range paths {
		c.calls[p]++
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		out[i] = []float32{float32(info.Size()), 1}
	}
	return out, nil
}

func (c *countingExtractor) Dimensions() int { return 2 }
func (c *countingExtractor) ID() backbone.ID { return backbone.ResNet50 }

func (c *countingExtractor) total() (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.calls {
		n += v
	}
	return n
}

func fixtures(t *testing.T, n int) []Item {
	t.Helper()
	dir := t.TempDir()
	items := make([]Item, n)
	for i := range items {
		name := string(rune('a'+i)) + ".png"
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, make([]byte, 10+i), 0644); err != nil {
			t.Fatal(err)
		}
		items[i] = Item{Ref: "q/" + name, Path: path}
	}
	return items
}

func TestVectorsComputesOncePerPair(t *testing.T) {
	items := fixtures(t, 5)
	ext := newCountingExtractor()
	e := NewEmbedder(nil, 2, logging.Discard())
	ctx := context.Background()

	first, err := e.Vectors(ctx, ext, items)
	if err != nil {
		t.Fatal(err)
	}
	if ext.batches != 3 {
		t.Errorf("batches = %d, want 3 for 5 items at batch size 2", ext.batches)
	}

	// overlapping request with a duplicate ref
	again, err := e.Vectors(ctx, ext, []Item{items[4], items[0], items[0]})
	if err != nil {
		t.Fatal(err)
	}
	if ext.total() != 5 {
		t.Errorf("extractor ran %d times, want 5", ext.total())
	}
	if e.Computed(backbone.ResNet50) != 5 {
		t.Errorf("Computed() = %d, want 5", e.Computed(backbone.ResNet50))
	}
	if again[0][0] != first[4][0] || again[2][0] != first[0][0] {
		t.Errorf("cached vectors out of order: %v vs %v", again, first)
	}
}

func TestVectorsDeduplicatesWithinCall(t *testing.T) {
	items := fixtures(t, 1)
	ext := newCountingExtractor()
	e := NewEmbedder(nil, 8, logging.Discard())

	vecs, err := e.Vectors(context.Background(), ext, []Item{items[0], items[0]})
	if err != nil {
		t.Fatal(err)
	}
	if ext.total() != 1 {
		t.Errorf("extractor ran %d times, want 1", ext.total())
	}
	if vecs[1] == nil || vecs[0][0] != vecs[1][0] {
		t.Errorf("duplicate not filled: %v", vecs)
	}
}

func TestVectorsConcurrentCallers(t *testing.T) {
	items := fixtures(t, 4)
	ext := newCountingExtractor()
	e := NewEmbedder(nil, 3, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Vectors(context.Background(), ext, items); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if ext.total() != 4 {
		t.Errorf("extractor ran %d times, want 4", ext.total())
	}
}

func TestSQLiteStorePersistsAcrossEmbedders(t *testing.T) {
	items := fixtures(t, 3)
	dbPath := filepath.Join(t.TempDir(), "cache", "embeddings.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	ext := newCountingExtractor()
	if _, err := NewEmbedder(store, 8, logging.Discard()).Vectors(ctx, ext, items); err != nil {
		t.Fatal(err)
	}
	if store.Count() != 3 {
		t.Errorf("Count() = %d, want 3", store.Count())
	}
	store.Close()

	store, err = OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// touching one file invalidates only its entry
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(items[1].Path, later, later); err != nil {
		t.Fatal(err)
	}

	ext2 := newCountingExtractor()
	e := NewEmbedder(store, 8, logging.Discard())
	vecs, err := e.Vectors(ctx, ext2, items)
	if err != nil {
		t.Fatal(err)
	}
	if ext2.total() != 1 || ext2.calls[items[1].Path] != 1 {
		t.Errorf("recomputed %v, want only %s", ext2.calls, items[1].Path)
	}
	if vecs[2][0] != 12 {
		t.Errorf("decoded vector = %v, want [12 1]", vecs[2])
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if store.Count() != 0 {
		t.Errorf("Count() after Clear = %d", store.Count())
	}
}

func TestMemoryStoreRejectsStaleStamp(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := Key{Backbone: backbone.HSLHistogram, Ref: "x"}

	if err := m.Put(ctx, key, Stamp{ModTime: 1, Size: 2}, []float32{1}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, key, Stamp{ModTime: 1, Size: 3}); ok {
		t.Error("Get() returned entry for changed file")
	}
	if v, ok, _ := m.Get(ctx, key, Stamp{ModTime: 1, Size: 2}); !ok || v[0] != 1 {
		t.Errorf("Get() = %v, %v", v, ok)
	}
	if err := m.Put(ctx, key, Stamp{}, nil); err == nil {
		t.Error("Put() accepted empty vector")
	}
}
