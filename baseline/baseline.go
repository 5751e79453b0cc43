// Package baseline is a small pure-Go MLP regressor over per-plot channel
// means. It gives every run a cheap reference score next to the CNN.
package baseline

import (
	"errors"
	"math"
	"math/rand"
)

// Config sets the baseline network shape and its Adam schedule.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. If empty, []int{32, 16}
	// is used.
	HiddenSizes []int

	// InputDim is the dimensionality of the input feature vector.
	InputDim int

	LearningRate float64
	Epochs       int
	BatchSize    int

	// Seed controls weight initialization and shuffling.
	Seed int64

	// Adam hyperparameters; defaults below if zero.
	Beta1   float64
	Beta2   float64
	Epsilon float64

	// ClipNorm bounds the global L2 norm of each averaged gradient. If zero
	// a default of 5 is used.
	ClipNorm float32
}

// Dataset is the minimal interface the trainer needs.
type Dataset interface {
	Len() int
	// Batch returns inputs and scalar labels for the provided indices.
	Batch(indices []int) ([][]float32, []float32, error)
}

// Model is a fully connected network with ReLU hidden layers and a single
// linear output.
type Model struct {
	Config Config

	// layerSizes is [input, hidden..., 1].
	layerSizes []int

	// weights[l] maps layer l to l+1 as [out][in].
	weights [][][]float32

	// biases[l] has one entry per unit of layer l+1.
	biases [][]float32

	// Adam moments, shaped like weights and biases.
	mW, vW [][][]float32
	mB, vB [][]float32
	step   int

	rng *rand.Rand
}

// NewModel fills in defaults and initializes weights with Glorot-uniform values.
func NewModel(cfg Config) (*Model, error) {
	if cfg.InputDim <= 0 {
		return nil, errors.New("input dimension must be positive")
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{32, 16}
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.005
	}
	if cfg.Epochs == 0 {
		cfg.Epochs = 200
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 16
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	if cfg.ClipNorm == 0 {
		cfg.ClipNorm = 5
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, 1)
	m.layerSizes = sizes

	L := len(sizes) - 1
	m.weights = make([][][]float32, L)
	m.biases = make([][]float32, L)
	for l := 0; l < L; l++ {
		in, out := sizes[l], sizes[l+1]
		// Xavier/Glorot uniform initialization
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		mat := make([][]float32, out)
		for j := range mat {
			row := make([]float32, in)
			for i := range row {
				row[i] = (m.rng.Float32()*2 - 1) * limit
			}
			mat[j] = row
		}
		m.weights[l] = mat
		m.biases[l] = make([]float32, out)
	}
	m.mW, m.mB = m.zeros()
	m.vW, m.vB = m.zeros()
	return m, nil
}

// zeros allocates buffers shaped like the weights and biases.
func (m *Model) zeros() ([][][]float32, [][]float32) {
	w := make([][][]float32, len(m.weights))
	b := make([][]float32, len(m.biases))
	for l := range m.weights {
		w[l] = make([][]float32, len(m.weights[l]))
		for j := range w[l] {
			w[l][j] = make([]float32, len(m.weights[l][j]))
		}
		b[l] = make([]float32, len(m.biases[l]))
	}
	return w, b
}

func activationReLU(x []float32) {
	for i := range x {
		if x[i] < 0 {
			x[i] = 0
		}
	}
}

// forwardSingle returns the pre-activations per layer and the activations
// per layer, with activations[0] being the input.
func (m *Model) forwardSingle(input []float32) (preActs [][]float32, acts [][]float32, err error) {
	if len(input) != m.layerSizes[0] {
		return nil, nil, errors.New("input has incorrect dimension")
	}
	L := len(m.weights)
	acts = make([][]float32, L+1)
	acts[0] = append([]float32(nil), input...)
	preActs = make([][]float32, L)
	for l := 0; l < L; l++ {
		inVec := acts[l]
		W, b := m.weights[l], m.biases[l]
		pre := make([]float32, len(b))
		for j := range pre {
			sum := b[j]
			for i, w := range W[j] {
				sum += w * inVec[i]
			}
			pre[j] = sum
		}
		preActs[l] = pre

		act := append([]float32(nil), pre...)
		if l < L-1 {
			activationReLU(act)
		}
		acts[l+1] = act
	}
	return preActs, acts, nil
}

// PredictBatch returns one prediction per input.
func (m *Model) PredictBatch(inputs [][]float32) ([]float32, error) {
	out := make([]float32, len(inputs))
	for i, in := range inputs {
		_, acts, err := m.forwardSingle(in)
		if err != nil {
			return nil, err
		}
		out[i] = acts[len(acts)-1][0]
	}
	return out, nil
}

// TrainWithDataset runs mini-batch Adam on the mean squared error, clipping
// the global gradient norm of every batch to Config.ClipNorm. It returns the
// mean training loss of the last epoch.
func (m *Model) TrainWithDataset(ds Dataset) (float64, error) {
	if ds == nil {
		return 0, errors.New("dataset is nil")
	}
	n := ds.Len()
	if n == 0 {
		return 0, errors.New("dataset has no examples")
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	var epochLoss float64
	for ep := 0; ep < m.Config.Epochs; ep++ {
		m.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		epochLoss = 0

		for bstart := 0; bstart < n; bstart += m.Config.BatchSize {
			bend := min(bstart+m.Config.BatchSize, n)
			inputs, labels, err := ds.Batch(indices[bstart:bend])
			if err != nil {
				return 0, err
			}
			if len(inputs) == 0 {
				continue
			}
			gradW, gradB := m.zeros()
			for ex := range inputs {
				preacts, acts, err := m.forwardSingle(inputs[ex])
				if err != nil {
					return 0, err
				}
				diff := acts[len(acts)-1][0] - labels[ex]
				epochLoss += float64(diff * diff)
				m.backprop(preacts, acts, []float32{2 * diff}, gradW, gradB)
			}
			m.applyAdam(gradW, gradB, float32(1.0/float64(len(inputs))))
		}
		epochLoss /= float64(n)
		if math.IsNaN(epochLoss) || math.IsInf(epochLoss, 0) {
			return epochLoss, errors.New("baseline training diverged")
		}
	}
	return epochLoss, nil
}

// backprop accumulates the gradients of one example into gradW and gradB.
func (m *Model) backprop(preacts, acts [][]float32, delta []float32, gradW [][][]float32, gradB [][]float32) {
	for l := len(m.weights) - 1; l >= 0; l-- {
		inAct := acts[l]
		for j, d := range delta {
			gradB[l][j] += d
			for i, a := range inAct {
				gradW[l][j][i] += d * a
			}
		}
		if l == 0 {
			break
		}
		prev := make([]float32, len(inAct))
		for i := range prev {
			if preacts[l-1][i] <= 0 {
				continue
			}
			var sum float32
			for j, d := range delta {
				sum += m.weights[l][j][i] * d
			}
			prev[i] = sum
		}
		delta = prev
	}
}

// applyAdam averages the accumulated gradients by scale, clips their global
// norm and takes one Adam step.
func (m *Model) applyAdam(gradW [][][]float32, gradB [][]float32, scale float32) {
	var norm float64
	for l := range gradW {
		for j := range gradW[l] {
			for i := range gradW[l][j] {
				gradW[l][j][i] *= scale
				norm += float64(gradW[l][j][i] * gradW[l][j][i])
			}
			gradB[l][j] *= scale
			norm += float64(gradB[l][j] * gradB[l][j])
		}
	}
	norm = math.Sqrt(norm)
	if clip := float64(m.Config.ClipNorm); norm > clip {
		scale := float32(clip / norm)
		for l := range gradW {
			for j := range gradW[l] {
				for i := range gradW[l][j] {
					gradW[l][j][i] *= scale
				}
				gradB[l][j] *= scale
			}
		}
	}

	m.step++
	b1, b2 := m.Config.Beta1, m.Config.Beta2
	corr1 := 1 - math.Pow(b1, float64(m.step))
	corr2 := 1 - math.Pow(b2, float64(m.step))
	lr := m.Config.LearningRate * math.Sqrt(corr2) / corr1
	update := func(p, mom, vel *float32, g float32) {
		*mom = float32(b1)*(*mom) + float32(1-b1)*g
		*vel = float32(b2)*(*vel) + float32(1-b2)*g*g
		*p -= float32(lr * float64(*mom) / (math.Sqrt(float64(*vel)) + m.Config.Epsilon))
	}
	for l := range m.weights {
		for j := range m.weights[l] {
			for i := range m.weights[l][j] {
				update(&m.weights[l][j][i], &m.mW[l][j][i], &m.vW[l][j][i], gradW[l][j][i])
			}
			update(&m.biases[l][j], &m.mB[l][j], &m.vB[l][j], gradB[l][j])
		}
	}
}
