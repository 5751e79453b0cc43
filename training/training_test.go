package training

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"

	"github.com/Noofbiz/cropYield/cnn"
	"github.com/Noofbiz/cropYield/config"
	"github.com/Noofbiz/cropYield/datasets"
	"github.com/Noofbiz/cropYield/groundtruth"
	"github.com/Noofbiz/cropYield/matcher"
	"github.com/Noofbiz/cropYield/raster"
)

// constPredictor returns the same standardized value for every input.
type constPredictor float64

func (c constPredictor) Predict(inputs [][]float32) ([]float64, error) {
	out := make([]float64, len(inputs))
	for i := range out {
		out[i] = float64(c)
	}
	return out, nil
}

func TestEarlyStopping(t *testing.T) {
	es := &EarlyStopping{Patience: 2}
	losses := []float64{1.0, 0.8, 0.9, 0.85, 0.7}
	var stopAt int
	for i, l := range losses {
		_, stop := es.Observe(i+1, l)
		if stop {
			stopAt = i + 1
			break
		}
	}
	if stopAt != 4 {
		t.Fatalf("expected stop at epoch 4, got %d", stopAt)
	}
	if best, epoch := es.Best(); best != 0.8 || epoch != 2 {
		t.Fatalf("best = %v at %d, want 0.8 at 2", best, epoch)
	}
}

func TestPlateau(t *testing.T) {
	p := &Plateau{Patience: 2, Factor: 0.5, MinLR: 0.3}
	lr := 1.0
	steps := []struct {
		loss   float64
		wantLR float64
	}{
		{1.0, 1.0}, {1.1, 1.0}, {1.2, 0.5}, {1.3, 0.5}, {1.4, 0.3}, {1.5, 0.3}, {1.6, 0.3},
	}
	for i, s := range steps {
		lr, _ = p.Observe(s.loss, lr)
		if lr != s.wantLR {
			t.Fatalf("step %d: lr = %v, want %v", i, lr, s.wantLR)
		}
	}
	if _, changed := p.Observe(0.1, lr); changed {
		t.Fatalf("an improvement must not change the learning rate")
	}
}

func TestStateTransitions(t *testing.T) {
	s := Initialized
	if err := transition(&s, Initialized, Evaluated); err == nil {
		t.Fatalf("initialized -> evaluated should be disallowed")
	}
	for _, to := range []State{Training, EarlyStopped, Evaluated} {
		if err := transition(&s, s, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if !IsTerminal(s) {
		t.Fatalf("%s should be terminal", s)
	}
	if err := transition(&s, Training, Aborted); err == nil {
		t.Fatalf("expected mismatch error from a stale from-state")
	}
}

func TestEvaluate_IdenticalTargetsGiveZeroR2(t *testing.T) {
	inputs := [][]float32{{0}, {0}, {0}}
	actual := []float64{150, 150, 150}
	sc := datasets.Scaler{Mean: 150, Scale: 1}
	m, res, err := Evaluate(constPredictor(1), inputs, actual, sc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if m.R2 != 0 {
		t.Fatalf("R2 = %v, want 0", m.R2)
	}
	if m.MAE != 1 || m.MSE != 1 || m.RMSE != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if res[0].Predicted != 151 || res[0].AbsError != 1 {
		t.Fatalf("predictions should be inverse-transformed, got %+v", res[0])
	}
}

func TestScore(t *testing.T) {
	actual := []float64{100, 200, 300}
	predicted := []float64{110, 190, 300}
	m := Score(actual, predicted)
	if math.Abs(m.MSE-200.0/3) > 1e-9 || math.Abs(m.MAE-20.0/3) > 1e-9 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	// SS_res = 200, SS_tot = 20000
	if math.Abs(m.R2-0.99) > 1e-9 {
		t.Fatalf("R2 = %v, want 0.99", m.R2)
	}
}

func TestResults_RelativeErrorSentinel(t *testing.T) {
	res := Results([]float64{0, 50}, []float64{5, 55})
	if res[0].RelDefined || res[0].RelError() != RelErrorUndefined {
		t.Fatalf("zero actual must be undefined, got %+v", res[0])
	}
	if !res[1].RelDefined || math.Abs(res[1].RelErrorPct-10) > 1e-9 {
		t.Fatalf("relative error = %+v, want 10%%", res[1])
	}
}

func tinySplit(n, size int) *datasets.Split {
	var samples []datasets.Sample
	for i := 0; i < n; i++ {
		img := raster.NewImage(size, size, raster.AugmentedBands)
		for j := range img.Pix {
			img.Pix[j] = float32((i+j)%9) / 9
		}
		img.ComputeMask(raster.BaseBands)
		samples = append(samples, datasets.Sample{
			Match: matcher.Match{Record: groundtruth.Record{YieldPerAcre: 100 + 10*float64(i)}},
			Pos:   i,
			Image: img,
		})
	}
	s := &datasets.Split{Train: samples[:n-2], Val: samples[n-2:], H: size, W: size, C: raster.AugmentedBands}
	s.Scaler = datasets.FitScaler(s.TrainTargets())
	return s
}

func TestTrainer_FitAndEvaluate(t *testing.T) {
	split := tinySplit(8, 4)
	model, err := cnn.Build(4, 4, raster.AugmentedBands, config.ArchSimple, 1e-3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "checkpoints")
	tr, err := New(model, Options{
		Epochs: 2, BatchSize: 4, EarlyStopPatience: 10, LRPatience: 5, LRFactor: 0.5, MinLR: 1e-7,
		Seed: 1, CheckpointDir: dir,
	}, nil)
	if err != nil {
		t.Skipf("gomlx backend unavailable: %v", err)
	}

	out, err := tr.Fit(split)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(out.History) != 2 || out.State != Converged || tr.State() != Converged {
		t.Fatalf("unexpected outcome %+v (state %s)", out, tr.State())
	}
	for _, sub := range []string{"best", "final"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Fatalf("missing %s checkpoint: %v", sub, err)
		}
	}

	m, res, err := tr.Evaluate(split)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if m.N != 2 || len(res) != 2 || math.IsNaN(m.MSE) {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if tr.State() != Evaluated {
		t.Fatalf("state = %s, want evaluated", tr.State())
	}
}

func newTestTrainer(t *testing.T, epochs int, checkpointDir string) (*cnn.Model, *Trainer) {
	t.Helper()
	model, err := cnn.Build(4, 4, raster.AugmentedBands, config.ArchSimple, 1e-3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tr, err := New(model, Options{
		Epochs: epochs, BatchSize: 4, EarlyStopPatience: 10, LRPatience: 5, LRFactor: 0.5, MinLR: 1e-7,
		Seed: 1, CheckpointDir: checkpointDir,
	}, nil)
	if err != nil {
		t.Skipf("gomlx backend unavailable: %v", err)
	}
	return model, tr
}

// checkpointPredictions runs model with the weights stored in dir.
func checkpointPredictions(t *testing.T, model *cnn.Model, dir string, inputs [][]float32) []float64 {
	t.Helper()
	backend, err := simplego.New("")
	if err != nil {
		t.Skipf("simplego backend unavailable: %v", err)
	}
	ctx := context.New()
	if _, err := checkpoints.Build(ctx).Dir(dir).Immediate().Done(); err != nil {
		t.Fatalf("load checkpoint %s: %v", dir, err)
	}
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		return model.Forward(ctx, x)
	})
	if err != nil {
		t.Fatalf("NewExec: %v", err)
	}
	out, err := exec.Exec(datasets.Stack(inputs, model.InputDims()))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	var preds []float64
	for _, row := range out[0].Value().([][]float32) {
		preds = append(preds, float64(row[0]))
	}
	return preds
}

func TestTrainer_RestoresBestWeights(t *testing.T) {
	split := tinySplit(8, 4)
	dir := filepath.Join(t.TempDir(), "checkpoints")
	model, tr := newTestTrainer(t, 4, dir)

	out, err := tr.Fit(split)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	got, err := tr.Predict(split.ValFeatures())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	best := checkpointPredictions(t, model, filepath.Join(dir, "best"), split.ValFeatures())
	for i := range got {
		if math.Abs(got[i]-best[i]) > 1e-5 {
			t.Fatalf("prediction %d = %v, best checkpoint gives %v", i, got[i], best[i])
		}
	}

	// When the best epoch is not the last one, the final weights must differ.
	if out.BestEpoch < len(out.History) {
		final := checkpointPredictions(t, model, filepath.Join(dir, "final"), split.ValFeatures())
		same := true
		for i := range got {
			if math.Abs(got[i]-final[i]) > 1e-7 {
				same = false
			}
		}
		if same {
			t.Fatalf("best epoch %d of %d, but predictions equal the final weights", out.BestEpoch, len(out.History))
		}
	}
}

func TestTrainer_NonFiniteLossAborts(t *testing.T) {
	split := tinySplit(8, 4)
	split.Scaler.Mean = math.NaN()
	dir := filepath.Join(t.TempDir(), "checkpoints")
	_, tr := newTestTrainer(t, 3, dir)

	_, err := tr.Fit(split)
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("Fit error = %v, want ErrNonFiniteLoss", err)
	}
	if tr.State() != Aborted {
		t.Fatalf("state = %s, want aborted", tr.State())
	}
	for _, sub := range []string{"best", "final"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("read %s: %v", sub, err)
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), checkpoints.BinDataSuffix) {
				t.Fatalf("checkpoint %s/%s written for a failing run", sub, e.Name())
			}
		}
	}
	if _, _, err := tr.Evaluate(split); err == nil {
		t.Fatalf("expected Evaluate to refuse an aborted trainer")
	}
}

func TestTrainer_SetLearningRate(t *testing.T) {
	split := tinySplit(8, 4)
	_, tr := newTestTrainer(t, 1, "")

	if _, err := tr.LearningRate(); err == nil {
		t.Fatalf("expected an error before the first train step")
	}
	if err := tr.setLearningRate(1e-4); err == nil {
		t.Fatalf("expected setLearningRate to fail without an optimizer variable")
	}
	if _, err := tr.Fit(split); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	lr, err := tr.LearningRate()
	if err != nil {
		t.Fatalf("LearningRate: %v", err)
	}
	if math.Abs(lr-1e-3) > 1e-8 {
		t.Fatalf("initial learning rate = %v, want 1e-3", lr)
	}
	if err := tr.setLearningRate(2.5e-4); err != nil {
		t.Fatalf("setLearningRate: %v", err)
	}
	if lr, _ = tr.LearningRate(); math.Abs(lr-2.5e-4) > 1e-8 {
		t.Fatalf("learning rate after update = %v, want 2.5e-4", lr)
	}
}
