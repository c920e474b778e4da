package embedcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/iishyfishyy/fewshot/internal/backbone"
)

// Item is an image to embed: a stable reference plus the file it is read from.
type Item struct {
	Ref  string
	Path string
}

// Embedder computes embeddings through an extractor, consulting a run-local memo
// and then Store before doing any work. Calls for the same backbone are
// serialised so concurrent callers never embed the same pair twice.
type Embedder struct {
	Store     Store
	BatchSize int
	Logger    *slog.Logger

	mu       sync.Mutex
	locks    map[backbone.ID]*sync.Mutex
	memo     map[Key][]float32
	computed map[backbone.ID]int
}

// NewEmbedder creates an embedder backed by store. A nil store keeps embeddings
// in memory only.
func NewEmbedder(store Store, batchSize int, logger *slog.Logger) *Embedder {
	if store == nil {
		store = NewMemoryStore()
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Embedder{
		Store:     store,
		BatchSize: batchSize,
		Logger:    logger,
		locks:     make(map[backbone.ID]*sync.Mutex),
		memo:      make(map[Key][]float32),
		computed:  make(map[backbone.ID]int),
	}
}

// Vectors returns one embedding per item, in order.
func (e *Embedder) Vectors(ctx context.Context, ext backbone.Extractor, items []Item) ([][]float32, error) {
	id := ext.ID()
	lock := e.backboneLock(id)
	lock.Lock()
	defer lock.Unlock()

	out := make([][]float32, len(items))
	var missing []int
	stamps := make([]Stamp, len(items))
	pending := make(map[string]int)
	dups := make(map[int]int)

	for i, item := range items {
		key := Key{Backbone: id, Ref: item.Ref}
		if vec, ok := e.remembered(key); ok {
			out[i] = vec
			continue
		}
		if first, ok := pending[item.Ref]; ok {
			dups[i] = first
			continue
		}

		stamp, err := stampOf(item.Path)
		if err != nil {
			return nil, err
		}
		stamps[i] = stamp

		vec, ok, err := e.Store.Get(ctx, key, stamp)
		if err != nil {
			// a broken cache only costs recomputation
			e.Logger.Warn("embedding cache read failed", "backbone", id, "ref", item.Ref, "error", err)
		}
		if ok {
			out[i] = vec
			e.remember(key, vec)
			continue
		}
		pending[item.Ref] = i
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		e.Logger.Debug("embedding images", "backbone", id, "count", len(missing), "cached", len(items)-len(missing))
	}

	for start := 0; start < len(missing); start += e.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.BatchSize, len(missing))
		batch := missing[start:end]

		paths := make([]string, len(batch))
		for j, idx := range batch {
			paths[j] = items[idx].Path
		}

		vecs, err := ext.EmbedBatch(ctx, paths)
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch with %s: %w", id, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%s returned %d embeddings for %d images", id, len(vecs), len(batch))
		}
		e.addComputed(id, len(batch))

		for j, idx := range batch {
			key := Key{Backbone: id, Ref: items[idx].Ref}
			out[idx] = vecs[j]
			e.remember(key, vecs[j])
			if err := e.Store.Put(ctx, key, stamps[idx], vecs[j]); err != nil {
				e.Logger.Warn("embedding cache write failed", "backbone", id, "ref", key.Ref, "error", err)
			}
		}
	}

	for i, first := range dups {
		out[i] = out[first]
	}
	return out, nil
}

// Computed reports how many images were run through the extractor for id.
func (e *Embedder) Computed(id backbone.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computed[id]
}

func (e *Embedder) backboneLock(id backbone.ID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

func (e *Embedder) remembered(key Key) ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.memo[key]
	return v, ok
}

func (e *Embedder) remember(key Key, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memo[key] = vec
}

func (e *Embedder) addComputed(id backbone.ID, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.computed[id] += n
}

func stampOf(path string) (Stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stamp{}, fmt.Errorf("failed to stat image: %w", err)
	}
	return Stamp{ModTime: info.ModTime().UnixNano(), Size: info.Size()}, nil
}
