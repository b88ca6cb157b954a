// Package nn implements the parameter-holding building blocks of detection models.
//
// Every component exposes its parameters as a state dict: a flat map from
// dot-delimited parameter paths to raw tensors. Containers prefix their
// children's keys with the child name ("layer1.weight", "0.bias").
//
// Loading a state dict is exact. The given keys must equal the module's own
// keys, and every tensor must match the expected shape and dtype. A failed
// load leaves the module untouched.
package nn

import (
	"github.com/born-ml/bodymux/internal/tensor"
)

// Module is the base interface for all components that own parameters.
type Module interface {
	// StateDict returns the module's parameters keyed by parameter path.
	//
	// The returned tensors are the live parameter storage, not copies.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies stateDict into the module's parameters.
	//
	// Returns a *StateDictError if the keys, shapes or dtypes do not
	// match exactly.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// Layer is a Module with a forward pass over NCHW (or [batch, features]) input.
type Layer interface {
	Module

	// Forward computes the output of the layer given an input tensor.
	Forward(input *tensor.RawTensor) (*tensor.RawTensor, error)
}
