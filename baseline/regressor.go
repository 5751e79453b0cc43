package baseline

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/Noofbiz/cropYield/raster"
)

// Features reduces a flattened channel-last sample to the mean of each
// channel over the plot mask.
func Features(pix []float32, channels int) []float32 {
	img := &raster.Image{H: 1, W: len(pix) / channels, C: channels, Pix: pix}
	img.ComputeMask(raster.BaseBands)
	means := img.MaskedMeans()
	out := make([]float32, len(means))
	for i, v := range means {
		out[i] = float32(v)
	}
	return out
}

// Regressor standardizes channel-mean features and feeds them to a Model.
// It predicts standardized yield.
type Regressor struct {
	model    *Model
	channels int
	mean     []float64
	std      []float64
}

// featureSet implements Dataset over in-memory features.
type featureSet struct {
	x [][]float32
	y []float32
}

func (f *featureSet) Len() int { return len(f.x) }

func (f *featureSet) Batch(indices []int) ([][]float32, []float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([]float32, len(indices))
	for bi, i := range indices {
		if i < 0 || i >= len(f.x) {
			return nil, nil, fmt.Errorf("batch index %d out of range", i)
		}
		inputs[bi] = f.x[i]
		labels[bi] = f.y[i]
	}
	return inputs, labels, nil
}

// Train fits a Regressor on flattened samples and standardized targets.
func Train(inputs [][]float32, targets []float64, channels int, cfg Config, log logrus.FieldLogger) (*Regressor, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if len(inputs) != len(targets) {
		return nil, fmt.Errorf("inputs and targets sizes don't match: %d != %d", len(inputs), len(targets))
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no training samples")
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	r := &Regressor{channels: channels, mean: make([]float64, channels), std: make([]float64, channels)}
	raw := make([][]float32, len(inputs))
	for i, in := range inputs {
		if err := checkSample(i, in, channels); err != nil {
			return nil, err
		}
		raw[i] = Features(in, channels)
	}
	col := make([]float64, len(raw))
	for c := 0; c < channels; c++ {
		for i := range raw {
			col[i] = float64(raw[i][c])
		}
		r.mean[c], r.std[c] = stat.PopMeanStdDev(col, nil)
		if r.std[c] == 0 {
			r.std[c] = 1
		}
	}

	ds := &featureSet{x: make([][]float32, len(raw)), y: make([]float32, len(targets))}
	for i := range raw {
		ds.x[i] = r.standardize(raw[i])
		ds.y[i] = float32(targets[i])
	}

	cfg.InputDim = channels
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	loss, err := model.TrainWithDataset(ds)
	if err != nil {
		return nil, fmt.Errorf("train baseline: %w", err)
	}
	r.model = model
	log.WithFields(logrus.Fields{
		"samples":    len(inputs),
		"epochs":     model.Config.Epochs,
		"train_loss": fmt.Sprintf("%.5f", loss),
	}).Info("baseline trained")
	return r, nil
}

// Predict returns standardized predictions for flattened samples.
func (r *Regressor) Predict(inputs [][]float32) ([]float64, error) {
	x := make([][]float32, len(inputs))
	for i, in := range inputs {
		if err := checkSample(i, in, r.channels); err != nil {
			return nil, err
		}
		x[i] = r.standardize(Features(in, r.channels))
	}
	pred, err := r.model.PredictBatch(x)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(pred))
	for i, p := range pred {
		out[i] = float64(p)
	}
	return out, nil
}

// checkSample rejects a flattened sample that is empty or not a whole
// number of pixels.
func checkSample(i int, in []float32, channels int) error {
	if len(in) == 0 || len(in)%channels != 0 {
		return fmt.Errorf("sample %d has %d values, not a positive multiple of %d channels", i, len(in), channels)
	}
	return nil
}

func (r *Regressor) standardize(f []float32) []float32 {
	out := make([]float32, len(f))
	for c, v := range f {
		out[c] = float32((float64(v) - r.mean[c]) / r.std[c])
	}
	return out
}
