// Package cnn builds the convolutional yield regressors as gomlx graphs.
//
// Every architecture maps a (batch, H, W, C) channel-last tensor to a
// (batch, 1) standardized-yield prediction.
package cnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/Noofbiz/cropYield/config"
)

// Model bundles a network topology with its loss and optimizer settings.
type Model struct {
	Arch         config.Architecture
	H, W, C      int
	LearningRate float64

	forward func(ctx *context.Context, x *Node) *Node
}

// Build returns the model for arch over (h, w, c) inputs.
func Build(h, w, c int, arch config.Architecture, learningRate float64) (*Model, error) {
	if h < 1 || w < 1 || c < 1 {
		return nil, fmt.Errorf("invalid input shape (%d, %d, %d)", h, w, c)
	}
	if learningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", learningRate)
	}
	m := &Model{Arch: arch, H: h, W: w, C: c, LearningRate: learningRate}
	switch arch {
	case config.ArchSimple:
		m.forward = simpleNet
	case config.ArchStandard:
		m.forward = standardNet
	case config.ArchResNet:
		m.forward = resNet
	case config.ArchInception:
		m.forward = inceptionNet
	default:
		return nil, fmt.Errorf("%w: %d", config.ErrUnknownArchitecture, arch)
	}
	return m, nil
}

// Forward builds the prediction graph for a (batch, H, W, C) input.
func (m *Model) Forward(ctx *context.Context, x *Node) *Node {
	return m.forward(ctx.In(m.Arch.String()), x)
}

// ModelFn adapts Forward to the gomlx trainer's model function signature.
func (m *Model) ModelFn() func(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{m.Forward(ctx, inputs[0])}
	}
}

// Loss is the mean squared error between labels and predictions.
func (m *Model) Loss(labels, predictions []*Node) *Node {
	return losses.MeanSquaredError(labels, predictions)
}

// Optimizer returns a fresh Adam optimizer at the model's learning rate.
func (m *Model) Optimizer() optimizers.Interface {
	return optimizers.Adam().LearningRate(m.LearningRate).Done()
}

// InputDims returns the per-sample input dimensions.
func (m *Model) InputDims() []int { return []int{m.H, m.W, m.C} }

func (m *Model) String() string {
	return fmt.Sprintf("%s(%dx%dx%d)", m.Arch, m.H, m.W, m.C)
}
