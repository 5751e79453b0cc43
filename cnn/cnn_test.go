package cnn

import (
	"errors"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/Noofbiz/cropYield/config"
)

func TestBuild_RejectsBadInputs(t *testing.T) {
	if _, err := Build(0, 8, 10, config.ArchSimple, 1e-3); err == nil {
		t.Fatalf("expected error for zero height")
	}
	if _, err := Build(8, 8, 10, config.ArchSimple, 0); err == nil {
		t.Fatalf("expected error for zero learning rate")
	}
	if _, err := Build(8, 8, 10, config.Architecture(42), 1e-3); !errors.Is(err, config.ErrUnknownArchitecture) {
		t.Fatalf("expected ErrUnknownArchitecture, got %v", err)
	}
}

// TestForwardShapes runs every architecture on a tiny batch, including an
// input small enough that some pooling stages must be skipped.
func TestForwardShapes(t *testing.T) {
	backend, err := simplego.New("")
	if err != nil {
		t.Skipf("simplego backend unavailable: %v", err)
	}
	const batch, h, w, c = 2, 4, 4, 10
	data := make([]float32, batch*h*w*c)
	for i := range data {
		data[i] = float32(i%7) / 7
	}
	input := tensors.FromFlatDataAndDimensions(data, batch, h, w, c)

	for _, arch := range config.Architectures() {
		m, err := Build(h, w, c, arch, 1e-3)
		if err != nil {
			t.Fatalf("%s: Build: %v", arch, err)
		}
		ctx := context.New()
		exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return m.Forward(ctx, x)
		})
		if err != nil {
			t.Fatalf("%s: NewExec: %v", arch, err)
		}
		out, err := exec.Exec(input)
		if err != nil {
			t.Fatalf("%s: forward: %v", arch, err)
		}
		dims := out[0].Shape().Dimensions
		if len(dims) != 2 || dims[0] != batch || dims[1] != 1 {
			t.Fatalf("%s: output dims = %v, want [%d 1]", arch, dims, batch)
		}
	}
}
