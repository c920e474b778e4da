package backbone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/iishyfishyy/fewshot/internal/logging"
)

// Loader acquires a ready-to-use extractor for a backbone.
type Loader func(ctx context.Context, id ID) (Extractor, error)

// ServiceLoader returns the production loader: local backbones are built in
// process, service-hosted ones are loaded through the inference service.
func ServiceLoader(serviceURL string, client *http.Client) Loader {
	return func(ctx context.Context, id ID) (Extractor, error) {
		switch id {
		case HSLHistogram:
			return NewHSLHistogram(), nil
		case HaarWavelet:
			return NewHaarWavelet(), nil
		}

		r, err := NewRemote(id, serviceURL, client)
		if err != nil {
			return nil, err
		}
		if err := r.Load(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Models is the model cache owned by a run. Each backbone is loaded at most once;
// a failed load is remembered so later requests fail fast with the same error.
// At most MaxResident backbones are kept; acquiring another evicts the least
// recently used one.
type Models struct {
	MaxResident int
	// Logger receives release failures of evicted backbones. Nil discards them.
	Logger *slog.Logger

	load     Loader
	mu       sync.Mutex
	resident map[ID]*residentModel
	failed   map[ID]*LoadError
	loads    map[ID]int
	tick     uint64
}

type residentModel struct {
	ext      Extractor
	lastUsed uint64
}

// NewModels creates an empty cache around loader.
func NewModels(loader Loader, maxResident int) *Models {
	if maxResident <= 0 {
		maxResident = 1
	}
	return &Models{
		MaxResident: maxResident,
		load:        loader,
		resident:    make(map[ID]*residentModel),
		failed:      make(map[ID]*LoadError),
		loads:       make(map[ID]int),
	}
}

// Acquire returns the extractor for id, loading it on first use.
// Load failures are returned as *LoadError.
func (m *Models) Acquire(ctx context.Context, id ID) (Extractor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tick++
	if r, ok := m.resident[id]; ok {
		r.lastUsed = m.tick
		return r.ext, nil
	}
	if err, ok := m.failed[id]; ok {
		return nil, err
	}

	for len(m.resident) >= m.MaxResident {
		if err := m.evictLocked(m.leastRecentLocked()); err != nil && m.Logger != nil {
			m.Logger.WarnContext(ctx, "evicted backbone did not release cleanly", "loading", id, logging.Err(err))
		}
	}

	m.loads[id]++
	ext, err := m.load(ctx, id)
	if err == nil && ext == nil {
		err = errors.New("loader returned no extractor")
	}
	if err != nil {
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			loadErr = &LoadError{ID: id, Err: err}
		}
		// a cancelled run should not poison the cache for the next one
		if ctx.Err() == nil {
			m.failed[id] = loadErr
		}
		return nil, loadErr
	}

	m.resident[id] = &residentModel{ext: ext, lastUsed: m.tick}
	return ext, nil
}

// Evict releases a resident backbone. Evicting a backbone that is not resident is a no-op.
func (m *Models) Evict(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(id)
}

// Close evicts every resident backbone.
func (m *Models) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, id := range m.residentLocked() {
		if err := m.evictLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resident lists the loaded backbones, sorted.
func (m *Models) Resident() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.residentLocked()
}

// Loads reports how many times the loader ran for id.
func (m *Models) Loads(id ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[id]
}

func (m *Models) residentLocked() []ID {
	ids := make([]ID, 0, len(m.resident))
	for id := range m.resident {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Models) leastRecentLocked() ID {
	var (
		oldest ID
		best   uint64
		found  bool
	)
	for id, r := range m.resident {
		if !found || r.lastUsed < best {
			oldest, best, found = id, r.lastUsed, true
		}
	}
	return oldest
}

func (m *Models) evictLocked(id ID) error {
	r, ok := m.resident[id]
	if !ok {
		return nil
	}
	delete(m.resident, id)
	if c, ok := r.ext.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to release backbone %s: %w", id, err)
		}
	}
	return nil
}
