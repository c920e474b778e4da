package embedcache

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory embedding store
type MemoryStore struct {
	entries map[Key]memoryEntry
	mu      sync.RWMutex
}

type memoryEntry struct {
	stamp  Stamp
	vector []float32
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[Key]memoryEntry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key Key, stamp Stamp) ([]float32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.stamp != stamp {
		return nil, false, nil
	}
	return e.vector, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, key Key, stamp Stamp, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{stamp: stamp, vector: vector}
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[Key]memoryEntry)
	return nil
}

func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
