// Package backbone wraps frozen image-embedding models behind a single
// Extractor interface. The set of backbones is closed: new ones are added as an
// ID constant plus an adapter, never by branching on names in callers.
package backbone

import (
	"context"
	"fmt"
	"strings"
)

// ID identifies a backbone.
type ID string

const (
	ResNet50     ID = "resnet50"
	CLIPViTB32   ID = "clip-vit-b32"
	DINOv2ViTB14 ID = "dinov2-vitb14"
	HSLHistogram ID = "hsl-histogram"
	HaarWavelet  ID = "haar-wavelet"
)

var known = []ID{ResNet50, CLIPViTB32, DINOv2ViTB14, HSLHistogram, HaarWavelet}

// All returns every supported backbone in a stable order.
func All() []ID {
	out := make([]ID, len(known))
	copy(out, known)
	return out
}

// Parse resolves a backbone name. Matching is case-insensitive.
func Parse(s string) (ID, error) {
	want := ID(strings.ToLower(strings.TrimSpace(s)))
	for _, id := range known {
		if id == want {
			return id, nil
		}
	}
	return "", &UnsupportedBackboneError{ID: s}
}

// Remote reports whether the backbone runs on the inference service rather than in process.
func (id ID) Remote() bool {
	switch id {
	case ResNet50, CLIPViTB32, DINOv2ViTB14:
		return true
	default:
		return false
	}
}

// InputSize is the square edge, in pixels, images are fitted to before embedding.
func InputSize(id ID) int {
	switch id {
	case HSLHistogram:
		return 64
	case HaarWavelet:
		return 32
	default:
		return 224
	}
}

// Describe returns a one-line human description of the backbone.
func Describe(id ID) string {
	switch id {
	case ResNet50:
		return "convolutional network, ImageNet weights (inference service)"
	case CLIPViTB32:
		return "CLIP vision transformer B/32 (inference service)"
	case DINOv2ViTB14:
		return "DINOv2 self-supervised ViT-B/14 (inference service)"
	case HSLHistogram:
		return "blurred HSL colour histogram (local)"
	case HaarWavelet:
		return "low-frequency Haar wavelet coefficients in YIQ space (local)"
	default:
		return ""
	}
}

// Extractor turns images into fixed-length vectors. Implementations are
// deterministic for a fixed image.
type Extractor interface {
	// Embed computes the embedding of a single image file.
	Embed(ctx context.Context, path string) ([]float32, error)

	// EmbedBatch computes embeddings for several image files, in order.
	EmbedBatch(ctx context.Context, paths []string) ([][]float32, error)

	// Dimensions returns the vector length.
	Dimensions() int

	// ID returns the backbone this extractor implements.
	ID() ID
}

// UnsupportedBackboneError is returned for a backbone name outside the closed set.
type UnsupportedBackboneError struct {
	ID string
}

func (e *UnsupportedBackboneError) Error() string {
	names := make([]string, len(known))
	for i, id := range known {
		names[i] = string(id)
	}
	return fmt.Sprintf("unsupported backbone %q (supported: %s)", e.ID, strings.Join(names, ", "))
}

// LoadError reports that a backbone's weights could not be acquired or initialised.
// It is fatal for that backbone only.
type LoadError struct {
	ID  ID
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load backbone %s: %v", e.ID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// embedEach implements EmbedBatch on top of Embed for in-process extractors.
func embedEach(ctx context.Context, ext Extractor, paths []string) ([][]float32, error) {
	out := make([][]float32, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := ext.Embed(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to embed %s: %w", path, err)
		}
		out[i] = vec
	}
	return out, nil
}
