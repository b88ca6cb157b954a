package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/bodymux/internal/tensor"
)

// Linear implements a fully connected (dense) layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x is the input tensor with shape [batch_size, in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the bias vector with shape [out_features]
//
// Weights are initialized using Xavier/Glorot initialization.
// Biases are initialized to zeros.
type Linear struct {
	params
	inFeatures  int
	outFeatures int
	weight      *Parameter // [out_features, in_features]
	bias        *Parameter // [out_features]
}

// NewLinear creates a new Linear layer with a bias term.
func NewLinear(inFeatures, outFeatures int, rng *rand.Rand) *Linear {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("linear: invalid features in=%d, out=%d", inFeatures, outFeatures))
	}

	weight := NewParameter("weight", Xavier(rng, inFeatures, outFeatures, tensor.Shape{outFeatures, inFeatures}))
	bias := NewParameter("bias", Zeros(tensor.Shape{outFeatures}))

	return &Linear{
		params:      params{weight, bias},
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      weight,
		bias:        bias,
	}
}

// Forward computes y = x @ W.T + b for input [batch_size, in_features].
func (l *Linear) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	inputShape := input.Shape()
	if len(inputShape) != 2 || inputShape[1] != l.inFeatures {
		return nil, fmt.Errorf("linear: expected input [batch, %d], got %v", l.inFeatures, inputShape)
	}

	batch := inputShape[0]
	output, err := tensor.NewRaw(tensor.Shape{batch, l.outFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	x := input.AsFloat32()
	w := l.weight.Tensor().AsFloat32()
	b := l.bias.Tensor().AsFloat32()
	out := output.AsFloat32()

	for i := 0; i < batch; i++ {
		row := x[i*l.inFeatures : (i+1)*l.inFeatures]
		for o := 0; o < l.outFeatures; o++ {
			sum := float64(b[o])
			wRow := w[o*l.inFeatures : (o+1)*l.inFeatures]
			for k, v := range row {
				sum += float64(v) * float64(wRow[k])
			}
			out[i*l.outFeatures+o] = float32(sum)
		}
	}

	return output, nil
}

// Weight returns the weight parameter.
func (l *Linear) Weight() *Parameter {
	return l.weight
}

// Bias returns the bias parameter.
func (l *Linear) Bias() *Parameter {
	return l.bias
}

// InFeatures returns the number of input features.
func (l *Linear) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the number of output features.
func (l *Linear) OutFeatures() int {
	return l.outFeatures
}
