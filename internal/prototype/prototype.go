// Package prototype builds one representative vector per class from a shot tier.
package prototype

import (
	"context"
	"errors"
	"fmt"

	"github.com/viant/vec/search"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/embedcache"
	"github.com/iishyfishyy/fewshot/internal/support"
)

// ClassPrototype is the unit-length mean embedding of a class's shot tier.
type ClassPrototype struct {
	Class    string
	Backbone backbone.ID
	Shots    int
	Vector   []float32
}

// Set holds the prototypes of one (backbone, shots) pair, sorted by class.
type Set []ClassPrototype

// Classes returns the class identifiers in order.
func (s Set) Classes() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Class
	}
	return out
}

// Vectorizer resolves embeddings for a list of images.
type Vectorizer interface {
	Vectors(ctx context.Context, ext backbone.Extractor, items []embedcache.Item) ([][]float32, error)
}

// Builder turns support images into prototypes.
type Builder struct {
	Vectors Vectorizer
}

// Build embeds the first shots images of every class in one call and averages
// them per class. If any class cannot supply the tier, nothing is built and the
// error wraps every *support.InsufficientSupportError.
func (b Builder) Build(ctx context.Context, store *support.Store, ext backbone.Extractor, shots int) (Set, error) {
	classes := store.Classes()

	var (
		items []embedcache.Item
		errs  []error
	)
	for _, class := range classes {
		images, err := store.ImagesFor(class, shots)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, img := range images {
			items = append(items, embedcache.Item{Ref: img.Ref, Path: img.Path})
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	vecs, err := b.Vectors.Vectors(ctx, ext, items)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d-shot support: %w", shots, err)
	}

	set := make(Set, len(classes))
	for i, class := range classes {
		mean, err := Mean(vecs[i*shots : (i+1)*shots])
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", class, err)
		}
		set[i] = ClassPrototype{
			Class:    class,
			Backbone: ext.ID(),
			Shots:    shots,
			Vector:   Normalize(mean),
		}
	}
	return set, nil
}

// Mean averages equal-length vectors, accumulating in float64.
func Mean(vecs [][]float32) ([]float32, error) {
	if len(vecs) == 0 {
		return nil, errors.New("no vectors to average")
	}
	dims := len(vecs[0])
	sum := make([]float64, dims)
	for _, v := range vecs {
		if len(v) != dims {
			return nil, fmt.Errorf("vector length %d, want %d", len(v), dims)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}

	out := make([]float32, dims)
	n := float64(len(vecs))
	for j := range sum {
		out[j] = float32(sum[j] / n)
	}
	return out, nil
}

// Normalize returns v scaled to unit length. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	mag := search.Float32s(v).Magnitude()
	if mag == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = x / mag
	}
	return out
}
