package datasets

import (
	"errors"

	"github.com/Noofbiz/cropYield/matcher"
	"github.com/Noofbiz/cropYield/raster"
)

// This package turns matched plot images into training data.
//
// Layout and intended usage:
//
// Assembler
//   - Decodes every matched image and appends the vegetation-index channels.
//   - Inputs per sample: an (H, W, 10) channel-last float32 tensor.
//   - Label per sample: the plot's yield in bushels per acre.
//   - Optionally persists the decoded features in a gob cache.
//
// Split
//   - Seeded train/validation partition of the assembled samples, plus the
//     target Scaler fitted on the training part only.
//
// Batches
//   - Serves a split to gomlx training loops (train.Dataset).

var (
	// ErrNoSamples means no matched image could be decoded. The run cannot
	// proceed and the error is reported as fatal.
	ErrNoSamples = errors.New("no decodable samples")
	// ErrTooFewSamples means fewer than two samples survived decoding, so no
	// train/validation split exists.
	ErrTooFewSamples = errors.New("too few samples to split")
)

// Decoder is the image source the Assembler needs; *raster.Decoder
// implements it.
type Decoder interface {
	Decode(path string) (*raster.Image, error)
}

// Sample is one usable plot image and the match it came from.
type Sample struct {
	Match matcher.Match
	// Pos is the position of Match in the list given to the Assembler.
	Pos   int
	Image *raster.Image
}

// Target returns the raw yield label.
func (s Sample) Target() float64 { return s.Match.Record.YieldPerAcre }

// Drops counts discarded matches per reason.
type Drops struct {
	Decode  int
	Indices int
}

// Total is the number of dropped matches.
func (d Drops) Total() int { return d.Decode + d.Indices }

// Assembled is the ordered result of decoding a match list.
type Assembled struct {
	Samples []Sample
	// Attempted is the number of matches the Assembler was given.
	Attempted int
	Drops     Drops
	// H, W, C are the shared sample dimensions.
	H, W, C int
}

// Len returns the number of usable samples.
func (a *Assembled) Len() int { return len(a.Samples) }

// Targets returns the raw yields in sample order.
func (a *Assembled) Targets() []float64 {
	out := make([]float64, len(a.Samples))
	for i, s := range a.Samples {
		out[i] = s.Target()
	}
	return out
}

// DropFraction is the share of attempted matches that were discarded.
func (a *Assembled) DropFraction() float64 {
	if a.Attempted == 0 {
		return 0
	}
	return float64(a.Drops.Total()) / float64(a.Attempted)
}
