// Package embedcache keeps image embeddings keyed by (backbone, image reference)
// so each pair is computed once.
package embedcache

import (
	"context"

	"github.com/iishyfishyy/fewshot/internal/backbone"
)

// Key identifies one embedding.
type Key struct {
	Backbone backbone.ID
	Ref      string
}

// Stamp describes the image file an embedding was computed from. A stored
// embedding is only valid while the file's stamp is unchanged.
type Stamp struct {
	ModTime int64
	Size    int64
}

// Store manages cached embeddings
type Store interface {
	// Get returns the embedding for key if it was stored with the same stamp
	Get(ctx context.Context, key Key, stamp Stamp) ([]float32, bool, error)

	// Put stores an embedding
	Put(ctx context.Context, key Key, stamp Stamp, vector []float32) error

	// Clear removes all embeddings
	Clear(ctx context.Context) error

	// Count returns the number of stored embeddings
	Count() int
}
