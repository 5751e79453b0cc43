package training

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/Noofbiz/cropYield/datasets"
)

// RelErrorUndefined is reported as the relative error of a zero actual.
const RelErrorUndefined = "undefined"

// Predictor produces standardized predictions for flattened samples.
type Predictor interface {
	Predict(inputs [][]float32) ([]float64, error)
}

// Metrics are regression scores in bushels per acre.
type Metrics struct {
	N    int
	MSE  float64
	RMSE float64
	MAE  float64
	R2   float64
}

// Result is the per-sample outcome of an evaluation.
type Result struct {
	Actual    float64
	Predicted float64
	AbsError  float64
	// RelErrorPct is meaningful only when RelDefined is true.
	RelErrorPct float64
	RelDefined  bool
}

// RelError formats the relative error, or RelErrorUndefined for a zero actual.
func (r Result) RelError() string {
	if !r.RelDefined {
		return RelErrorUndefined
	}
	return strconv.FormatFloat(r.RelErrorPct, 'f', 4, 64)
}

// Evaluate predicts inputs, maps the predictions back to bushels per acre
// with scaler and scores them against the raw actual yields.
func Evaluate(p Predictor, inputs [][]float32, actual []float64, scaler datasets.Scaler) (Metrics, []Result, error) {
	if len(inputs) != len(actual) {
		return Metrics{}, nil, fmt.Errorf("inputs and targets sizes don't match: %d != %d", len(inputs), len(actual))
	}
	if len(inputs) == 0 {
		return Metrics{}, nil, fmt.Errorf("nothing to evaluate")
	}
	z, err := p.Predict(inputs)
	if err != nil {
		return Metrics{}, nil, fmt.Errorf("predict: %w", err)
	}
	if len(z) != len(actual) {
		return Metrics{}, nil, fmt.Errorf("predictor returned %d values for %d inputs", len(z), len(actual))
	}
	predicted := scaler.InverseAll(z)
	return Score(actual, predicted), Results(actual, predicted), nil
}

// Score computes MSE, RMSE, MAE and R². R² is 0 when the actual values have
// no variance.
func Score(actual, predicted []float64) Metrics {
	m := Metrics{N: len(actual)}
	if m.N == 0 {
		return m
	}
	var se, ae float64
	for i := range actual {
		d := predicted[i] - actual[i]
		se += d * d
		ae += math.Abs(d)
	}
	m.MSE = se / float64(m.N)
	m.RMSE = math.Sqrt(m.MSE)
	m.MAE = ae / float64(m.N)

	if _, variance := stat.PopMeanVariance(actual, nil); variance > 0 {
		m.R2 = stat.RSquaredFrom(predicted, actual, nil)
	}
	return m
}

// Results builds the per-sample table.
func Results(actual, predicted []float64) []Result {
	out := make([]Result, len(actual))
	for i := range actual {
		r := Result{Actual: actual[i], Predicted: predicted[i], AbsError: math.Abs(predicted[i] - actual[i])}
		if actual[i] != 0 {
			r.RelErrorPct = r.AbsError / math.Abs(actual[i]) * 100
			r.RelDefined = true
		}
		out[i] = r
	}
	return out
}

func (m Metrics) String() string {
	return fmt.Sprintf("n=%d mse=%.4f rmse=%.4f mae=%.4f r2=%.4f", m.N, m.MSE, m.RMSE, m.MAE, m.R2)
}
