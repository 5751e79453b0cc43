package datasets

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/stat"
)

// Scaler standardizes yield targets: (y - Mean) / Scale.
type Scaler struct {
	Mean  float64 `json:"mean"`
	Scale float64 `json:"scale"`
}

// FitScaler computes the population mean and standard deviation of ys. A
// zero deviation yields Scale 1 so constant targets stay finite.
func FitScaler(ys []float64) Scaler {
	if len(ys) == 0 {
		return Scaler{Scale: 1}
	}
	mean, variance := stat.PopMeanVariance(ys, nil)
	scale := math.Sqrt(variance)
	if scale == 0 || math.IsNaN(scale) {
		scale = 1
	}
	return Scaler{Mean: mean, Scale: scale}
}

// Transform standardizes one value.
func (s Scaler) Transform(y float64) float64 { return (y - s.Mean) / s.Scale }

// Inverse maps a standardized value back to bushels per acre.
func (s Scaler) Inverse(z float64) float64 { return z*s.Scale + s.Mean }

// TransformAll standardizes ys into a new slice.
func (s Scaler) TransformAll(ys []float64) []float64 {
	out := make([]float64, len(ys))
	for i, y := range ys {
		out[i] = s.Transform(y)
	}
	return out
}

// InverseAll maps standardized values back into a new slice.
func (s Scaler) InverseAll(zs []float64) []float64 {
	out := make([]float64, len(zs))
	for i, z := range zs {
		out[i] = s.Inverse(z)
	}
	return out
}

// Save writes the scaler as JSON.
func (s Scaler) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scaler: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write scaler %s: %w", path, err)
	}
	return nil
}

// LoadScaler reads a scaler written by Save.
func LoadScaler(path string) (Scaler, error) {
	var s Scaler
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read scaler %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse scaler %s: %w", path, err)
	}
	if s.Scale == 0 {
		return s, fmt.Errorf("scaler %s has zero scale", path)
	}
	return s, nil
}

// Split is a seeded train/validation partition of an Assembled dataset.
type Split struct {
	Train []Sample
	Val   []Sample
	// TrainIdx and ValIdx index into the Assembled samples.
	TrainIdx []int
	ValIdx   []int
	Scaler   Scaler
	H, W, C  int
}

// NewSplit shuffles sample positions with seed and holds out
// ceil(N*valFraction) samples for validation, keeping at least one sample
// on each side. The scaler is fitted on training targets only.
func NewSplit(a *Assembled, valFraction float64, seed int64) (*Split, error) {
	n := a.Len()
	if n < 2 {
		return nil, fmt.Errorf("%w: have %d", ErrTooFewSamples, n)
	}
	nVal := int(math.Ceil(float64(n) * valFraction))
	if nVal < 1 {
		nVal = 1
	}
	if nVal > n-1 {
		nVal = n - 1
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	s := &Split{
		ValIdx:   perm[:nVal],
		TrainIdx: perm[nVal:],
		H:        a.H, W: a.W, C: a.C,
	}
	for _, i := range s.TrainIdx {
		s.Train = append(s.Train, a.Samples[i])
	}
	for _, i := range s.ValIdx {
		s.Val = append(s.Val, a.Samples[i])
	}
	s.Scaler = FitScaler(targets(s.Train))
	return s, nil
}

// TrainTargets returns the raw training yields.
func (s *Split) TrainTargets() []float64 { return targets(s.Train) }

// ValTargets returns the raw validation yields.
func (s *Split) ValTargets() []float64 { return targets(s.Val) }

// TrainFeatures returns the flattened training tensors in split order.
func (s *Split) TrainFeatures() [][]float32 { return features(s.Train) }

// ValFeatures returns the flattened validation tensors in split order.
func (s *Split) ValFeatures() [][]float32 { return features(s.Val) }

func targets(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, smp := range samples {
		out[i] = smp.Target()
	}
	return out
}

func features(samples []Sample) [][]float32 {
	out := make([][]float32, len(samples))
	for i, smp := range samples {
		out[i] = smp.Image.Pix
	}
	return out
}
