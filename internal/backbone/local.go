package backbone

import (
	"context"
	"math"

	"github.com/anthonynsimon/bild/blur"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rivo/duplo/haar"
)

const (
	hueBins        = 12
	saturationBins = 4
	lightnessBins  = 4
	blurRadius     = 1.5

	// haarBlock is the edge of the low-frequency coefficient block kept per channel.
	haarBlock = 8
)

// HSLHistogramExtractor embeds an image as a joint hue/saturation/lightness
// histogram of its blurred thumbnail. It runs in process and needs no weights.
type HSLHistogramExtractor struct{}

// NewHSLHistogram returns the local colour-histogram backbone.
func NewHSLHistogram() *HSLHistogramExtractor {
	return &HSLHistogramExtractor{}
}

func (h *HSLHistogramExtractor) Embed(ctx context.Context, path string) ([]float32, error) {
	img, err := loadFitted(path, InputSize(HSLHistogram))
	if err != nil {
		return nil, err
	}
	smooth := blur.Gaussian(img, blurRadius)

	hist := make([]float32, h.Dimensions())
	bounds := smooth.Bounds()
	var total float32
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c, ok := colorful.MakeColor(smooth.At(x, y))
			if !ok {
				// fully transparent
				continue
			}
			hue, sat, light := c.Hsl()
			hist[histBin(hue/360, hueBins)*saturationBins*lightnessBins+
				histBin(sat, saturationBins)*lightnessBins+
				histBin(light, lightnessBins)]++
			total++
		}
	}
	if total > 0 {
		for i := range hist {
			hist[i] /= total
		}
	}
	return hist, nil
}

func (h *HSLHistogramExtractor) EmbedBatch(ctx context.Context, paths []string) ([][]float32, error) {
	return embedEach(ctx, h, paths)
}

func (h *HSLHistogramExtractor) Dimensions() int { return hueBins * saturationBins * lightnessBins }

func (h *HSLHistogramExtractor) ID() ID { return HSLHistogram }

func histBin(v float64, bins int) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	b := int(v * float64(bins))
	if b >= bins {
		b = bins - 1
	}
	return b
}

// HaarWaveletExtractor embeds an image as the low-frequency block of its 2D Haar
// transform, one block per YIQ channel.
type HaarWaveletExtractor struct{}

// NewHaarWavelet returns the local wavelet backbone.
func NewHaarWavelet() *HaarWaveletExtractor {
	return &HaarWaveletExtractor{}
}

func (w *HaarWaveletExtractor) Embed(ctx context.Context, path string) ([]float32, error) {
	img, err := loadFitted(path, InputSize(HaarWavelet))
	if err != nil {
		return nil, err
	}
	m := haar.Transform(img)

	vec := make([]float32, 0, w.Dimensions())
	width := int(m.Width)
	for ch := 0; ch < haar.ColourChannels; ch++ {
		for y := 0; y < haarBlock; y++ {
			for x := 0; x < haarBlock; x++ {
				vec = append(vec, float32(m.Coefs[y*width+x][ch]))
			}
		}
	}
	return vec, nil
}

func (w *HaarWaveletExtractor) EmbedBatch(ctx context.Context, paths []string) ([][]float32, error) {
	return embedEach(ctx, w, paths)
}

func (w *HaarWaveletExtractor) Dimensions() int { return haarBlock * haarBlock * haar.ColourChannels }

func (w *HaarWaveletExtractor) ID() ID { return HaarWavelet }
