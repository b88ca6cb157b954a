package model

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/tensor"
)

// ConvBody is the feature extractor at the root of the model.
type ConvBody interface {
	nn.Module

	// Forward maps one input per stream to a single feature map.
	Forward(inputs ...*tensor.RawTensor) (*tensor.RawTensor, error)

	// DimOut returns the channel count of the produced features.
	DimOut() int
}

// NewBody builds a conv body of 3x3 conv + ReLU stages named layer1, layer2, ...
// Stage i maps channels[i-1] to channels[i].
func NewBody(channels []int, rng *rand.Rand) *nn.Sequential {
	body := nn.NewSequential()
	for i := 1; i < len(channels); i++ {
		stage := strconv.Itoa(i)
		body.Add("layer"+stage, nn.NewConv2D(channels[i-1], channels[i], 3, 1, 1, rng))
		body.Add("relu"+stage, nn.NewReLU())
	}
	return body
}

// SingleBody is the conv body of a single-input model.
type SingleBody struct {
	*nn.Sequential
	dimOut int
}

// NewSingleBody wraps a body built by NewBody.
func NewSingleBody(channels []int, rng *rand.Rand) *SingleBody {
	return &SingleBody{
		Sequential: NewBody(channels, rng),
		dimOut:     channels[len(channels)-1],
	}
}

// Forward runs the body on exactly one input.
func (b *SingleBody) Forward(inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("single-input body got %d inputs", len(inputs))
	}
	return b.Sequential.Forward(inputs[0])
}

// DimOut returns the channel count of the produced features.
func (b *SingleBody) DimOut() int {
	return b.dimOut
}
