// Package training fits a cnn.Model with gomlx and evaluates it.
package training

import (
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/cropYield/cnn"
	"github.com/Noofbiz/cropYield/datasets"
)

// ErrNonFiniteLoss aborts training when a train or validation loss is NaN
// or infinite. No checkpoint is written for the failing epoch.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Options control the training loop.
type Options struct {
	Epochs            int
	BatchSize         int
	EarlyStopPatience int
	LRPatience        int
	LRFactor          float64
	MinLR             float64
	Seed              int64
	// CheckpointDir receives best/ and final/ subdirectories; empty disables
	// checkpointing and best weights are not restored.
	CheckpointDir string
}

// Epoch is one row of the training history.
type Epoch struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	ValMAE    float64
	LR        float64
}

// Outcome summarizes a finished Fit.
type Outcome struct {
	History     []Epoch
	BestEpoch   int
	BestValLoss float64
	State       State
}

// Trainer owns the gomlx backend, variables and state of one model.
type Trainer struct {
	model *cnn.Model
	opts  Options
	log   logrus.FieldLogger

	backend backends.Backend
	ctx     *context.Context
	trainer *train.Trainer
	predict *context.Exec
	state   State
	lr      float64
}

// New creates a Trainer on the pure-Go gomlx backend.
func New(model *cnn.Model, opts Options, log logrus.FieldLogger) (*Trainer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Epochs < 1 || opts.BatchSize < 1 {
		return nil, fmt.Errorf("epochs and batch size must be positive, got %d and %d", opts.Epochs, opts.BatchSize)
	}
	backend, err := simplego.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create gomlx simplego backend: %w", err)
	}
	ctx := context.New()
	ctx.RngStateFromSeed(opts.Seed)
	t := &Trainer{
		model:   model,
		opts:    opts,
		log:     log.WithField("model", model.String()),
		backend: backend,
		ctx:     ctx,
		state:   Initialized,
		lr:      model.LearningRate,
	}
	t.trainer = train.NewTrainer(backend, ctx, model.ModelFn(), model.Loss, model.Optimizer(), nil, nil)
	return t, nil
}

// State returns the current lifecycle state.
func (t *Trainer) State() State { return t.state }

// Fit trains on split until the epoch budget is spent or early stopping
// triggers, then restores the best weights.
func (t *Trainer) Fit(split *datasets.Split) (*Outcome, error) {
	if err := transition(&t.state, Initialized, Training); err != nil {
		return nil, err
	}
	dims := []int{split.H, split.W, split.C}
	trainY := split.Scaler.TransformAll(split.TrainTargets())
	valX := split.ValFeatures()
	valY := split.Scaler.TransformAll(split.ValTargets())

	batches, err := datasets.NewBatches("train", split.TrainFeatures(), trainY, dims, t.opts.BatchSize, true, t.opts.Seed)
	if err != nil {
		return nil, t.abort(err)
	}

	var best, final *checkpoints.Handler
	bestDir := filepath.Join(t.opts.CheckpointDir, "best")
	if t.opts.CheckpointDir != "" {
		if best, err = checkpoints.Build(t.ctx).Dir(bestDir).Keep(1).Done(); err != nil {
			return nil, t.abort(fmt.Errorf("best checkpoint handler: %w", err))
		}
		if final, err = checkpoints.Build(t.ctx).Dir(filepath.Join(t.opts.CheckpointDir, "final")).Keep(1).Done(); err != nil {
			return nil, t.abort(fmt.Errorf("final checkpoint handler: %w", err))
		}
	}

	stopper := &EarlyStopping{Patience: t.opts.EarlyStopPatience}
	plateau := &Plateau{Patience: t.opts.LRPatience, Factor: t.opts.LRFactor, MinLR: t.opts.MinLR}
	out := &Outcome{}
	end := Converged

	t.log.WithFields(logrus.Fields{
		"train":   len(trainY),
		"val":     len(valY),
		"batches": batches.NumBatches(),
		"epochs":  t.opts.Epochs,
	}).Info("training started")

	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		trainLoss, err := t.trainEpoch(batches)
		if err != nil {
			return out, t.abort(fmt.Errorf("epoch %d: %w", epoch, err))
		}
		valLoss, valMAE, err := t.validate(valX, valY)
		if err != nil {
			return out, t.abort(fmt.Errorf("epoch %d validation: %w", epoch, err))
		}
		if !isFinite(trainLoss) || !isFinite(valLoss) {
			return out, t.abort(fmt.Errorf("%w at epoch %d: train=%v val=%v", ErrNonFiniteLoss, epoch, trainLoss, valLoss))
		}
		out.History = append(out.History, Epoch{Epoch: epoch, TrainLoss: trainLoss, ValLoss: valLoss, ValMAE: valMAE, LR: t.lr})

		improved, stop := stopper.Observe(epoch, valLoss)
		t.log.WithFields(logrus.Fields{
			"epoch":      epoch,
			"train_loss": fmt.Sprintf("%.5f", trainLoss),
			"val_loss":   fmt.Sprintf("%.5f", valLoss),
			"val_mae":    fmt.Sprintf("%.5f", valMAE),
			"lr":         t.lr,
			"improved":   improved,
		}).Debug("epoch finished")
		if improved && best != nil {
			if err := best.Save(); err != nil {
				return out, t.abort(fmt.Errorf("save best checkpoint: %w", err))
			}
		}
		if stop {
			end = EarlyStopped
			t.log.WithField("epoch", epoch).Info("early stopping")
			break
		}
		if lr, changed := plateau.Observe(valLoss, t.lr); changed {
			if err := t.setLearningRate(lr); err != nil {
				return out, t.abort(fmt.Errorf("epoch %d: %w", epoch, err))
			}
			t.log.WithFields(logrus.Fields{"epoch": epoch, "lr": lr}).Info("reduced learning rate on plateau")
		}
		batches.Reset()
	}

	if final != nil {
		if err := final.Save(); err != nil {
			return out, t.abort(fmt.Errorf("save final checkpoint: %w", err))
		}
	}
	out.BestValLoss, out.BestEpoch = stopper.Best()
	if best != nil && out.BestEpoch > 0 {
		if err := t.restore(bestDir); err != nil {
			return out, t.abort(err)
		}
	}
	if err := transition(&t.state, Training, end); err != nil {
		return out, err
	}
	out.State = end
	t.log.WithFields(logrus.Fields{
		"state":         end,
		"best_epoch":    out.BestEpoch,
		"best_val_loss": fmt.Sprintf("%.5f", out.BestValLoss),
	}).Info("training finished")
	return out, nil
}

// Evaluate scores the restored model on the validation split and moves the
// trainer to Evaluated.
func (t *Trainer) Evaluate(split *datasets.Split) (Metrics, []Result, error) {
	if t.state != Converged && t.state != EarlyStopped {
		return Metrics{}, nil, fmt.Errorf("cannot evaluate from state %s", t.state)
	}
	m, res, err := Evaluate(t, split.ValFeatures(), split.ValTargets(), split.Scaler)
	if err != nil {
		return m, res, err
	}
	if err := transition(&t.state, t.state, Evaluated); err != nil {
		return m, res, err
	}
	return m, res, nil
}

// Predict implements Predictor, returning standardized predictions.
func (t *Trainer) Predict(inputs [][]float32) ([]float64, error) {
	if t.predict == nil {
		var exec *context.Exec
		err := exceptions.TryCatch[error](func() {
			var err error
			exec, err = context.NewExec(t.backend, t.ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
				return t.model.Forward(ctx, x)
			})
			if err != nil {
				panic(err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("build inference graph: %w", err)
		}
		t.predict = exec
	}

	dims := t.model.InputDims()
	out := make([]float64, 0, len(inputs))
	for start := 0; start < len(inputs); start += t.opts.BatchSize {
		end := min(start+t.opts.BatchSize, len(inputs))
		batch := datasets.Stack(inputs[start:end], dims)
		var results []*tensors.Tensor
		err := exceptions.TryCatch[error](func() {
			var err error
			if results, err = t.predict.Exec(batch); err != nil {
				panic(err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("predict batch at %d: %w", start, err)
		}
		for _, row := range results[0].Value().([][]float32) {
			out = append(out, float64(row[0]))
		}
	}
	return out, nil
}

// trainEpoch runs one pass over batches and returns the sample-weighted
// mean training loss.
func (t *Trainer) trainEpoch(batches *datasets.Batches) (float64, error) {
	var sum float64
	var n int
	for {
		spec, inputs, labels, err := batches.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		var metrics []*tensors.Tensor
		if err := exceptions.TryCatch[error](func() {
			metrics = t.trainer.TrainStep(spec, inputs, labels)
		}); err != nil {
			return 0, fmt.Errorf("train step: %w", err)
		}
		size := labels[0].Shape().Dimensions[0]
		sum += scalar(metrics[0]) * float64(size)
		n += size
	}
	if n == 0 {
		return 0, fmt.Errorf("empty training set")
	}
	return sum / float64(n), nil
}

// validate returns MSE and MAE in standardized units.
func (t *Trainer) validate(inputs [][]float32, targets []float64) (mse, mae float64, err error) {
	pred, err := t.Predict(inputs)
	if err != nil {
		return 0, 0, err
	}
	for i, p := range pred {
		d := p - targets[i]
		mse += d * d
		mae += math.Abs(d)
	}
	n := float64(len(pred))
	return mse / n, mae / n, nil
}

// setLearningRate overwrites the optimizer's learning-rate variable.
func (t *Trainer) setLearningRate(lr float64) error {
	v, err := t.lrVariable()
	if err != nil {
		return err
	}
	v.SetValue(tensors.FromAnyValue(shapes.CastAsDType(lr, v.Value().DType())))
	t.lr = lr
	return nil
}

// LearningRate reads the optimizer's current learning rate. It fails before
// the first train step, when the variable does not exist yet.
func (t *Trainer) LearningRate() (float64, error) {
	v, err := t.lrVariable()
	if err != nil {
		return 0, err
	}
	return scalar(v.Value()), nil
}

func (t *Trainer) lrVariable() (*context.Variable, error) {
	scope := context.RootScope + optimizers.Scope
	v := t.ctx.GetVariableByScopeAndName(scope, optimizers.ParamLearningRate)
	if v == nil {
		return nil, fmt.Errorf("learning rate variable %s/%s not found", scope, optimizers.ParamLearningRate)
	}
	return v, nil
}

// restore reloads the best checkpoint into a fresh context so inference runs
// with the best weights.
func (t *Trainer) restore(dir string) error {
	ctx := context.New()
	if _, err := checkpoints.Build(ctx).Dir(dir).Immediate().Done(); err != nil {
		return fmt.Errorf("restore best checkpoint from %s: %w", dir, err)
	}
	t.ctx = ctx
	t.predict = nil
	return nil
}

// abort moves to Aborted and returns err.
func (t *Trainer) abort(err error) error {
	if terr := transition(&t.state, Training, Aborted); terr != nil {
		t.log.WithError(terr).Error("trainer state")
	}
	t.log.WithError(err).Error("training aborted")
	return err
}

func scalar(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
