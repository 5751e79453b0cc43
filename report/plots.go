package report

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/cropYield/training"
)

var (
	trainColor = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	valColor   = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	greyColor  = color.RGBA{R: 120, G: 120, B: 120, A: 180}
)

// TrainingCurves plots train and validation loss per epoch.
func TrainingCurves(path string, history []training.Epoch) error {
	if len(history) == 0 {
		return fmt.Errorf("no training history to plot")
	}
	p := plot.New()
	p.Title.Text = "Training curves"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "MSE (standardized)"

	trainXY := make(plotter.XYs, len(history))
	valXY := make(plotter.XYs, len(history))
	for i, e := range history {
		trainXY[i] = plotter.XY{X: float64(e.Epoch), Y: e.TrainLoss}
		valXY[i] = plotter.XY{X: float64(e.Epoch), Y: e.ValLoss}
	}
	for _, s := range []struct {
		name string
		xys  plotter.XYs
		col  color.Color
	}{{"train", trainXY, trainColor}, {"validation", valXY, valColor}} {
		line, err := plotter.NewLine(s.xys)
		if err != nil {
			return err
		}
		line.Color = s.col
		line.Width = vg.Points(1.2)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Add(plotter.NewGrid())
	return save(p, path)
}

// PredictedVsActual scatters predictions against actual yields with the
// identity line for reference.
func PredictedVsActual(path string, results []training.Result) error {
	if len(results) == 0 {
		return fmt.Errorf("no results to plot")
	}
	p := plot.New()
	p.Title.Text = "Predicted vs actual yield"
	p.X.Label.Text = "actual (bu/ac)"
	p.Y.Label.Text = "predicted (bu/ac)"

	pts := make(plotter.XYs, len(results))
	for i, r := range results {
		pts[i] = plotter.XY{X: r.Actual, Y: r.Predicted}
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = trainColor
	sc.GlyphStyle.Radius = vg.Points(2.5)
	p.Add(sc)
	p.Legend.Add("validation", sc)

	lo, hi := autoRange(pts)
	ident, err := plotter.NewLine(plotter.XYs{{X: lo, Y: lo}, {X: hi, Y: hi}})
	if err != nil {
		return err
	}
	ident.Color = greyColor
	ident.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(ident)
	p.Legend.Add("y = x", ident)

	p.Add(plotter.NewGrid())
	p.X.Min, p.X.Max = lo, hi
	p.Y.Min, p.Y.Max = lo, hi
	return save(p, path)
}

// Residuals draws a histogram of predicted minus actual.
func Residuals(path string, results []training.Result) error {
	if len(results) == 0 {
		return fmt.Errorf("no results to plot")
	}
	p := plot.New()
	p.Title.Text = "Residuals"
	p.X.Label.Text = "predicted - actual (bu/ac)"
	p.Y.Label.Text = "count"

	vals := make(plotter.Values, len(results))
	for i, r := range results {
		vals[i] = r.Predicted - r.Actual
	}
	bins := int(math.Ceil(math.Sqrt(float64(len(vals)))))
	if bins < 1 {
		bins = 1
	}
	h, err := plotter.NewHist(vals, bins)
	if err != nil {
		return err
	}
	h.FillColor = trainColor
	p.Add(h)
	return save(p, path)
}

// autoRange returns a padded common range covering both axes of xs.
func autoRange(xs plotter.XYs) (lo, hi float64) {
	if len(xs) == 0 {
		return -1, 1
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		lo = math.Min(lo, math.Min(p.X, p.Y))
		hi = math.Max(hi, math.Max(p.X, p.Y))
	}
	pad := (hi - lo) * 0.06
	if pad == 0 {
		pad = 1.0
	}
	return lo - pad, hi + pad
}

func save(p *plot.Plot, path string) error {
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
