package raster

import (
	"fmt"
	"math"
)

const eps = 1e-8

// Augment appends NDVI, GNDVI, NDRE and EVI to the first BaseBands channels
// of img and returns a new AugmentedBands-channel image. A 5-band input gets
// a zero deep-blue channel. Only the base channels are read, so augmenting an
// already augmented image reproduces the same index channels.
//
// Indices are computed inside the plot mask where the raw denominator is
// nonzero and are zero elsewhere.
func Augment(img *Image) (out *Image, err error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInsufficientBands)
	}
	if img.C < BaseBands-1 {
		return nil, fmt.Errorf("%w: have %d, need at least %d", ErrInsufficientBands, img.C, BaseBands-1)
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("compute indices: %v", r)
		}
	}()

	base := img.C
	if base > BaseBands {
		base = BaseBands
	}
	out = NewImage(img.H, img.W, AugmentedBands)
	n := img.H * img.W
	for i := 0; i < n; i++ {
		src := img.Pix[i*img.C : i*img.C+base]
		dst := out.Pix[i*AugmentedBands : (i+1)*AugmentedBands]
		copy(dst, src)
	}
	if len(img.Mask) == n {
		copy(out.Mask, img.Mask)
	} else {
		out.ComputeMask(BaseBands)
	}

	for i := 0; i < n; i++ {
		if !out.Mask[i] {
			continue
		}
		px := out.Pix[i*AugmentedBands : (i+1)*AugmentedBands]
		nir := float64(px[BandNIR])
		re := float64(px[BandRedEdge])
		red := float64(px[BandRed])
		green := float64(px[BandGreen])
		blue := float64(px[BandBlue])

		px[BandNDVI] = normalizedDiff(nir, red)
		px[BandGNDVI] = normalizedDiff(nir, green)
		px[BandNDRE] = normalizedDiff(nir, re)
		px[BandEVI] = evi(nir, red, blue)
	}
	return out, nil
}

func normalizedDiff(a, b float64) float32 {
	den := a + b
	if den == 0 {
		return 0
	}
	return clip((a-b)/(den+eps), -1, 1)
}

func evi(nir, red, blue float64) float32 {
	den := nir + 6*red - 7.5*blue + 1
	if den == 0 {
		return 0
	}
	return clip(2.5*(nir-red)/(den+eps), -10, 10)
}

// clip bounds v to [lo, hi]; non-finite values become zero.
func clip(v, lo, hi float64) float32 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return float32(math.Max(lo, math.Min(hi, v)))
}
