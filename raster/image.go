// Package raster decodes multi-band plot imagery and derives vegetation
// indices from it.
package raster

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Band positions shared by decoded and augmented images.
const (
	BandNIR = iota
	BandRedEdge
	BandRed
	BandGreen
	BandBlue
	BandDeepBlue

	// BaseBands is the channel count produced by the decoder.
	BaseBands
)

// Index channels appended by Augment.
const (
	BandNDVI = BaseBands + iota
	BandGNDVI
	BandNDRE
	BandEVI

	// AugmentedBands is the channel count produced by Augment.
	AugmentedBands
)

var (
	// ErrInvalidRaster marks imagery that cannot be used: unreadable,
	// malformed, empty or entirely zero.
	ErrInvalidRaster = errors.New("invalid raster")
	// ErrInsufficientBands means fewer than 5 bands are available for
	// index computation.
	ErrInsufficientBands = errors.New("insufficient bands")
)

// Image is a channel-last float32 tensor with a per-pixel plot mask.
type Image struct {
	H, W, C int
	// Pix holds H*W*C values; the value of channel c at (y, x) is
	// Pix[(y*W+x)*C+c].
	Pix []float32
	// Mask is true where the pixel belongs to the plot.
	Mask []bool
}

// NewImage allocates a zeroed image with an empty mask.
func NewImage(h, w, c int) *Image {
	return &Image{H: h, W: w, C: c, Pix: make([]float32, h*w*c), Mask: make([]bool, h*w)}
}

// At returns channel c at (y, x).
func (img *Image) At(y, x, c int) float32 {
	return img.Pix[(y*img.W+x)*img.C+c]
}

// Set stores v in channel c at (y, x).
func (img *Image) Set(y, x, c int, v float32) {
	img.Pix[(y*img.W+x)*img.C+c] = v
}

// Channel copies one channel out as a row-major H*W plane.
func (img *Image) Channel(c int) []float32 {
	out := make([]float32, img.H*img.W)
	for i := range out {
		out[i] = img.Pix[i*img.C+c]
	}
	return out
}

// ComputeMask sets Mask to "any of the first n channels is nonzero" and
// reports how many pixels are inside the plot.
func (img *Image) ComputeMask(n int) int {
	if n > img.C {
		n = img.C
	}
	if len(img.Mask) != img.H*img.W {
		img.Mask = make([]bool, img.H*img.W)
	}
	count := 0
	for i := range img.Mask {
		px := img.Pix[i*img.C : i*img.C+n]
		img.Mask[i] = false
		for _, v := range px {
			if v != 0 {
				img.Mask[i] = true
				count++
				break
			}
		}
	}
	return count
}

// MaskedMeans returns the mean of every channel over the plot mask. Channels
// of an image with an empty mask average to zero.
func (img *Image) MaskedMeans() []float64 {
	means := make([]float64, img.C)
	vals := make([]float64, 0, img.H*img.W)
	for c := 0; c < img.C; c++ {
		vals = vals[:0]
		for i, in := range img.Mask {
			if in {
				vals = append(vals, float64(img.Pix[i*img.C+c]))
			}
		}
		if len(vals) > 0 {
			means[c] = stat.Mean(vals, nil)
		}
	}
	return means
}

// sanitize replaces NaN and ±Inf with zero and reports whether any value
// is nonzero afterwards.
func sanitize(vals []float32) bool {
	nonzero := false
	for i, v := range vals {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			vals[i] = 0
			continue
		}
		if v != 0 {
			nonzero = true
		}
	}
	return nonzero
}
