package cnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// conv is a same-padded 2D convolution with bias.
func conv(ctx *context.Context, x *Node, filters, kernel, stride int) *Node {
	return layers.Convolution(ctx, x).Filters(filters).KernelSize(kernel).Strides(stride).PadSame().Done()
}

// bn applies batch normalization over the channel axis.
func bn(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).Done()
}

// pool halves the spatial dimensions with a 2x2 max-pool, unless either
// dimension is already below 2.
func pool(x *Node) *Node {
	dims := x.Shape().Dimensions
	if dims[1] < 2 || dims[2] < 2 {
		return x
	}
	return MaxPool(x).Window(2).Done()
}

// head is global average pooling followed by dense layers with dropout and
// a single linear output unit.
func head(ctx *context.Context, x *Node, units []int, dropout []float64) *Node {
	x = ReduceMean(x, 1, 2)
	for i, u := range units {
		scope := ctx.In(fmt.Sprintf("dense_%d", i))
		x = activations.Relu(layers.Dense(scope, x, true, u))
		if rate := dropout[i]; rate > 0 {
			x = layers.Dropout(scope, x, Scalar(x.Graph(), x.DType(), rate))
		}
	}
	return layers.Dense(ctx.In("output"), x, true, 1)
}

// simpleNet: two conv→ReLU→pool blocks.
func simpleNet(ctx *context.Context, x *Node) *Node {
	for i, f := range []int{32, 64} {
		scope := ctx.In(fmt.Sprintf("block_%d", i))
		x = pool(activations.Relu(conv(scope, x, f, 3, 1)))
	}
	return head(ctx, x, []int{64}, []float64{0.3})
}

// standardNet: four conv→batch-norm→ReLU→pool blocks.
func standardNet(ctx *context.Context, x *Node) *Node {
	for i, f := range []int{32, 64, 128, 256} {
		scope := ctx.In(fmt.Sprintf("block_%d", i))
		x = conv(scope.In("conv"), x, f, 3, 1)
		x = bn(scope.In("bn"), x)
		x = pool(activations.Relu(x))
	}
	return head(ctx, x, []int{128, 64}, []float64{0.5, 0.3})
}

// residual is conv→BN→ReLU→conv→BN added to the shortcut, then ReLU. The
// shortcut is a 1x1 conv + BN projection when channels or stride change.
func residual(ctx *context.Context, x *Node, filters, stride int) *Node {
	shortcut := x
	if stride != 1 || x.Shape().Dimensions[3] != filters {
		shortcut = bn(ctx.In("proj_bn"), conv(ctx.In("proj"), x, filters, 1, stride))
	}
	y := activations.Relu(bn(ctx.In("bn_a"), conv(ctx.In("conv_a"), x, filters, 3, stride)))
	y = bn(ctx.In("bn_b"), conv(ctx.In("conv_b"), y, filters, 3, 1))
	return activations.Relu(Add(y, shortcut))
}

// resNet: stem plus three stages of residual blocks, downsampling between
// stages.
func resNet(ctx *context.Context, x *Node) *Node {
	x = activations.Relu(bn(ctx.In("stem_bn"), conv(ctx.In("stem"), x, 32, 3, 1)))
	stages := []struct{ filters, blocks int }{{32, 2}, {64, 2}, {128, 2}}
	for s, st := range stages {
		for b := 0; b < st.blocks; b++ {
			stride := 1
			if s > 0 && b == 0 && x.Shape().Dimensions[1] >= 2 && x.Shape().Dimensions[2] >= 2 {
				stride = 2
			}
			x = residual(ctx.In(fmt.Sprintf("stage_%d_block_%d", s, b)), x, st.filters, stride)
		}
	}
	return head(ctx, x, []int{128}, []float64{0.5})
}

// inception concatenates 1x1, 1x1→3x3, 1x1→5x5 and 3x3-pool→1x1 branches.
func inception(ctx *context.Context, x *Node, f1, f3r, f3, f5r, f5, fp int) *Node {
	relu := func(scope string, in *Node, filters, kernel int) *Node {
		return activations.Relu(conv(ctx.In(scope), in, filters, kernel, 1))
	}
	b1 := relu("b1", x, f1, 1)
	b3 := relu("b3", relu("b3_reduce", x, f3r, 1), f3, 3)
	b5 := relu("b5", relu("b5_reduce", x, f5r, 1), f5, 5)
	bp := relu("pool_proj", MaxPool(x).Window(3).Strides(1).PadSame().Done(), fp, 1)
	return Concatenate([]*Node{b1, b3, b5, bp}, -1)
}

// inceptionNet: stem plus two inception modules.
func inceptionNet(ctx *context.Context, x *Node) *Node {
	x = activations.Relu(bn(ctx.In("stem_bn"), conv(ctx.In("stem"), x, 32, 3, 1)))
	x = pool(x)
	x = inception(ctx.In("mixed_0"), x, 32, 32, 48, 8, 16, 16)
	x = pool(x)
	x = inception(ctx.In("mixed_1"), x, 64, 48, 96, 16, 32, 32)
	return head(ctx, x, []int{128}, []float64{0.4})
}
