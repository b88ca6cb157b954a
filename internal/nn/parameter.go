package nn

import (
	"github.com/born-ml/bodymux/internal/tensor"
)

// Parameter is a named leaf tensor of a module.
type Parameter struct {
	name   string            // Parameter name (e.g., "weight", "bias")
	tensor *tensor.RawTensor // The parameter tensor
}

// NewParameter creates a new parameter around an initialized tensor.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.tensor
}

// params is the leaf-module implementation of Module over a fixed parameter list.
type params []*Parameter

func (ps params) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor, len(ps))
	for _, p := range ps {
		stateDict[p.name] = p.tensor
	}
	return stateDict
}

func (ps params) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := Validate(ps, stateDict); err != nil {
		return err
	}
	for _, p := range ps {
		if err := p.tensor.CopyFrom(stateDict[p.name]); err != nil {
			return &StateDictError{Key: p.name, Err: ErrShapeMismatch, Details: err.Error()}
		}
	}
	return nil
}

// Stateless is embedded by modules that own no parameters.
// Its state dict is empty and it only accepts an empty state dict.
type Stateless struct {
	params
}

// ParameterList is a leaf module over an explicit list of parameters,
// keyed by parameter name.
type ParameterList struct {
	params
}

// NewParameterList creates a module owning ps.
func NewParameterList(ps ...*Parameter) *ParameterList {
	return &ParameterList{params: ps}
}
