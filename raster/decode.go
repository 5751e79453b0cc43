package raster

import (
	"fmt"
	"image"
	"runtime"
	"sync"
	"unsafe"

	"github.com/airbusgeo/godal"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

var registerOnce sync.Once

// Decoder reads GDAL-supported rasters into fixed-size channel-last images.
type Decoder struct {
	// Size is the target height and width after resizing.
	Size int
	Log  logrus.FieldLogger
}

// NewDecoder returns a Decoder producing size×size images.
func NewDecoder(size int, log logrus.FieldLogger) *Decoder {
	registerOnce.Do(godal.RegisterAll)
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Decoder{Size: size, Log: log}
}

// Decode reads at most BaseBands bands from path, replaces non-finite values
// with zero, resizes every band bilinearly and computes the plot mask.
//
// Every failure is reported as ErrInvalidRaster wrapped with its cause.
// Decode never panics.
func (d *Decoder) Decode(path string) (img *Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("%w: %s: %v", ErrInvalidRaster, path, r)
		}
	}()

	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRaster, err)
	}
	defer ds.Close()

	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, fmt.Errorf("%w: %s has no bands", ErrInvalidRaster, path)
	}
	if len(bands) > BaseBands {
		bands = bands[:BaseBands]
	}
	st := ds.Structure()
	w, h := st.SizeX, st.SizeY
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidRaster, path)
	}

	planes := make([][]float32, len(bands))
	nonzero := false
	for i, band := range bands {
		buf := make([]float32, w*h)
		if err := band.Read(0, 0, buf, w, h); err != nil {
			return nil, fmt.Errorf("%w: read band %d of %s: %v", ErrInvalidRaster, i+1, path, err)
		}
		if sanitize(buf) {
			nonzero = true
		}
		planes[i] = buf
	}
	if !nonzero {
		return nil, fmt.Errorf("%w: %s is entirely zero", ErrInvalidRaster, path)
	}

	img, err = d.fromPlanes(planes, h, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRaster, path, err)
	}
	return img, nil
}

// fromPlanes resizes band-sequential planes and interleaves them channel-last.
func (d *Decoder) fromPlanes(planes [][]float32, h, w int) (*Image, error) {
	size := d.Size
	img := NewImage(size, size, len(planes))
	for c, plane := range planes {
		resized, err := resizeBilinear(plane, h, w, size)
		if err != nil {
			return nil, fmt.Errorf("resize band %d: %w", c+1, err)
		}
		// interpolation can overshoot on degenerate inputs
		sanitize(resized)
		for i, v := range resized {
			img.Pix[i*img.C+c] = v
		}
	}
	if img.ComputeMask(img.C) == 0 {
		return nil, fmt.Errorf("empty plot mask after resize")
	}
	return img, nil
}

// resizeBilinear scales an h×w plane to size×size.
func resizeBilinear(plane []float32, h, w, size int) ([]float32, error) {
	if h == size && w == size {
		return append([]float32(nil), plane...), nil
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&plane[0])), len(plane)*4)
	src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Point{X: size, Y: size}, 0, 0, gocv.InterpolationLinear)
	runtime.KeepAlive(plane)

	data, err := dst.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	if len(data) != size*size {
		return nil, fmt.Errorf("resized plane has %d values, want %d", len(data), size*size)
	}
	return append([]float32(nil), data...), nil
}
