package model

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"cifar-forge/internal/batch"
)

// SimpleCNN is a tiny linear classifier with softmax cross-entropy. Next to
// its weights it keeps exponential moving averages of them, which are what
// gets evaluated when UseMovingAverages is on.
type SimpleCNN struct {
	numClasses int
	inputSize  int
	weights    []float32
	bias       []float32
	avgWeights []float32
	avgBias    []float32
	lr         float32
	step       int64

	useAverages bool
}

// NewSimpleCNN constructs the model with random initialization.
func NewSimpleCNN(numClasses, inputSize int, lr float64, seed int64) *SimpleCNN {
	if numClasses <= 0 {
		numClasses = 20
	}
	if inputSize <= 0 {
		inputSize = 24 * 24 * 3
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float32, numClasses*inputSize)
	for i := range weights {
		weights[i] = (rng.Float32()*2 - 1) * 0.01
	}
	bias := make([]float32, numClasses)
	return &SimpleCNN{
		numClasses: numClasses,
		inputSize:  inputSize,
		weights:    weights,
		bias:       bias,
		avgWeights: append([]float32(nil), weights...),
		avgBias:    append([]float32(nil), bias...),
		lr:         float32(lr),
	}
}

// UseMovingAverages switches Inference to the averaged parameters.
func (m *SimpleCNN) UseMovingAverages(on bool) { m.useAverages = on }

// Step is the number of training steps taken.
func (m *SimpleCNN) Step() int64 { return m.step }

// TrainStep executes one SGD step and returns average loss.
func (m *SimpleCNN) TrainStep(b batch.Batch) float64 {
	if b.Size == 0 {
		return 0
	}
	totalLoss := 0.0
	for i := 0; i < b.Size; i++ {
		input := b.Image(i)
		if len(input) != m.inputSize {
			continue
		}
		label := clampLabel(int(b.Labels[i]), m.numClasses)
		probs := softmax(m.logits(input, m.weights, m.bias))
		totalLoss += float64(-math32.Log(math32.Max(probs[label], 1e-9)))

		probs[label] -= 1
		for c := 0; c < m.numClasses; c++ {
			grad := probs[c]
			m.bias[c] -= m.lr * grad
			wStart := c * m.inputSize
			for j := 0; j < m.inputSize; j++ {
				m.weights[wStart+j] -= m.lr * grad * input[j]
			}
		}
	}
	m.step++
	m.updateAverages()
	return totalLoss / float64(b.Size)
}

func (m *SimpleCNN) updateAverages() {
	decay := math32.Min(MovingAverageDecay, float32(1+m.step)/float32(10+m.step))
	for i, w := range m.weights {
		m.avgWeights[i] -= (1 - decay) * (m.avgWeights[i] - w)
	}
	for i, b := range m.bias {
		m.avgBias[i] -= (1 - decay) * (m.avgBias[i] - b)
	}
}

// Inference computes logits for a [batch, h, w, d] image tensor.
func (m *SimpleCNN) Inference(images *tensors.Tensor) (*tensors.Tensor, error) {
	dims := images.Shape().Dimensions
	if len(dims) != 4 || dims[1]*dims[2]*dims[3] != m.inputSize {
		return nil, fmt.Errorf("simplecnn: images shape %v does not match input size %d", dims, m.inputSize)
	}
	value, ok := images.Value().([][][][]float32)
	if !ok {
		return nil, fmt.Errorf("simplecnn: images must be float32, got %T", images.Value())
	}
	weights, bias := m.weights, m.bias
	if m.useAverages {
		weights, bias = m.avgWeights, m.avgBias
	}
	flat := make([]float32, 0, m.inputSize)
	logits := make([][]float32, len(value))
	for i, img := range value {
		flat = flat[:0]
		for _, row := range img {
			for _, px := range row {
				flat = append(flat, px...)
			}
		}
		logits[i] = m.logits(flat, weights, bias)
	}
	return tensors.FromAnyValue(logits), nil
}

func (m *SimpleCNN) logits(input, weights, bias []float32) []float32 {
	logits := make([]float32, m.numClasses)
	for c := 0; c < m.numClasses; c++ {
		sum := bias[c]
		wStart := c * m.inputSize
		for j := 0; j < m.inputSize; j++ {
			sum += weights[wStart+j] * input[j]
		}
		logits[c] = sum
	}
	return logits
}

type simpleCNNState struct {
	NumClasses int
	InputSize  int
	Weights    []float32
	Bias       []float32
	AvgWeights []float32
	AvgBias    []float32
	Step       int64
}

// MarshalBinary encodes the parameters and their averages with gob.
func (m *SimpleCNN) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(simpleCNNState{
		NumClasses: m.numClasses,
		InputSize:  m.inputSize,
		Weights:    m.weights,
		Bias:       m.bias,
		AvgWeights: m.avgWeights,
		AvgBias:    m.avgBias,
		Step:       m.step,
	})
	if err != nil {
		return nil, fmt.Errorf("simplecnn: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores parameters written by MarshalBinary. The stored
// geometry must match the receiver's.
func (m *SimpleCNN) UnmarshalBinary(data []byte) error {
	var st simpleCNNState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return fmt.Errorf("simplecnn: decode: %w", err)
	}
	if st.NumClasses != m.numClasses || st.InputSize != m.inputSize {
		return fmt.Errorf("simplecnn: checkpoint has %d classes x %d inputs, model has %d x %d",
			st.NumClasses, st.InputSize, m.numClasses, m.inputSize)
	}
	if len(st.Weights) != m.numClasses*m.inputSize || len(st.AvgWeights) != len(st.Weights) ||
		len(st.Bias) != m.numClasses || len(st.AvgBias) != m.numClasses {
		return fmt.Errorf("simplecnn: checkpoint parameter sizes are inconsistent")
	}
	m.weights, m.bias = st.Weights, st.Bias
	m.avgWeights, m.avgBias = st.AvgWeights, st.AvgBias
	m.step = st.Step
	return nil
}

func clampLabel(label, numClasses int) int {
	if label < 0 {
		return 0
	}
	if label >= numClasses {
		return label % numClasses
	}
	return label
}

func softmax(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float32
	out := make([]float32, len(logits))
	for i, v := range logits {
		exp := math32.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
