package nn

import (
	"github.com/born-ml/bodymux/internal/tensor"
)

// ReLU applies f(x) = max(0, x). It owns no parameters.
type ReLU struct {
	Stateless
}

// NewReLU creates a new ReLU activation module.
func NewReLU() *ReLU {
	return &ReLU{}
}

// Forward applies ReLU activation.
func (r *ReLU) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	return tensor.ReLU(input), nil
}
