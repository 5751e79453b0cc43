package datasets

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Batches serves features and standardized targets as gomlx mini-batches.
// It implements train.Dataset: Yield returns io.EOF at the end of each epoch
// and Reset starts the next one, reshuffling when Shuffle is set.
type Batches struct {
	name      string
	inputs    [][]float32
	labels    []float32
	dims      []int // per-sample dimensions, e.g. H, W, C
	BatchSize int
	Shuffle   bool

	rng   *rand.Rand
	order []int
	pos   int
}

// NewBatches builds a batch source. labels are already standardized.
func NewBatches(name string, inputs [][]float32, labels []float64, dims []int, batchSize int, shuffle bool, seed int64) (*Batches, error) {
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("inputs and labels sizes don't match: %d != %d", len(inputs), len(labels))
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	size := 1
	for _, d := range dims {
		size *= d
	}
	for i, in := range inputs {
		if len(in) != size {
			return nil, fmt.Errorf("inconsistent input dimensions at example %d: expected %d, got %d", i, size, len(in))
		}
	}
	b := &Batches{
		name:      name,
		inputs:    inputs,
		labels:    make([]float32, len(labels)),
		dims:      append([]int(nil), dims...),
		BatchSize: batchSize,
		Shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
	for i, y := range labels {
		b.labels[i] = float32(y)
	}
	b.Reset()
	return b, nil
}

// Name implements train.Dataset.
func (b *Batches) Name() string { return b.name }

// Len returns the number of samples.
func (b *Batches) Len() int { return len(b.inputs) }

// NumBatches returns the number of batches per epoch, the last one possibly
// partial.
func (b *Batches) NumBatches() int {
	return (len(b.inputs) + b.BatchSize - 1) / b.BatchSize
}

// Reset implements train.Dataset and starts a new epoch.
func (b *Batches) Reset() {
	if b.order == nil {
		b.order = make([]int, len(b.inputs))
		for i := range b.order {
			b.order[i] = i
		}
	}
	if b.Shuffle {
		b.rng.Shuffle(len(b.order), func(i, j int) { b.order[i], b.order[j] = b.order[j], b.order[i] })
	}
	b.pos = 0
}

// Yield implements train.Dataset.
func (b *Batches) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if b.pos >= len(b.order) {
		return nil, nil, nil, io.EOF
	}
	end := min(b.pos+b.BatchSize, len(b.order))
	in, la := b.Tensors(b.order[b.pos:end])
	b.pos = end
	return b.name, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}

// Tensors stacks the given samples into a (batch, dims...) input tensor and
// a (batch, 1) label tensor.
func (b *Batches) Tensors(indices []int) (*tensors.Tensor, *tensors.Tensor) {
	rows := make([][]float32, len(indices))
	flatLabels := make([]float32, len(indices))
	for bi, i := range indices {
		rows[bi] = b.inputs[i]
		flatLabels[bi] = b.labels[i]
	}
	return Stack(rows, b.dims), tensors.FromFlatDataAndDimensions(flatLabels, len(indices), 1)
}

// Stack copies same-sized samples into one (len(rows), dims...) tensor.
func Stack(rows [][]float32, dims []int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, len(rows)*size)
	for i, r := range rows {
		copy(flat[i*size:], r)
	}
	shape := append([]int{len(rows)}, dims...)
	return tensors.FromFlatDataAndDimensions(flat, shape...)
}
