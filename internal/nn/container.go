package nn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/bodymux/internal/tensor"
)

// Dict is an ordered collection of named child modules.
//
// Child parameters appear in the state dict prefixed with the child name:
// child "fc1" with parameter "weight" becomes "fc1.weight".
type Dict struct {
	names   []string
	modules map[string]Module
}

// NewDict creates an empty Dict.
func NewDict() *Dict {
	return &Dict{modules: make(map[string]Module)}
}

// Add registers a child under name.
//
// Panics if the name is empty, contains the path delimiter or is already
// taken; child layouts are fixed at construction.
func (d *Dict) Add(name string, m Module) *Dict {
	if name == "" || strings.Contains(name, ".") {
		panic(fmt.Sprintf("nn.Dict: invalid child name %q", name))
	}
	if _, ok := d.modules[name]; ok {
		panic(fmt.Sprintf("nn.Dict: duplicate child name %q", name))
	}
	d.names = append(d.names, name)
	d.modules[name] = m
	return d
}

// Get returns the child registered under name.
func (d *Dict) Get(name string) (Module, bool) {
	m, ok := d.modules[name]
	return m, ok
}

// Names returns child names in registration order.
func (d *Dict) Names() []string {
	return append([]string(nil), d.names...)
}

// Len returns the number of children.
func (d *Dict) Len() int {
	return len(d.names)
}

// StateDict returns all child parameters, prefixed with the child name.
func (d *Dict) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for _, name := range d.names {
		for key, raw := range d.modules[name].StateDict() {
			stateDict[name+"."+key] = raw
		}
	}
	return stateDict
}

// LoadStateDict validates the whole state dict first, then distributes
// each child's slice of it.
func (d *Dict) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := Validate(d, stateDict); err != nil {
		return err
	}

	for _, name := range d.names {
		child := SubStateDict(stateDict, name)
		if err := d.modules[name].LoadStateDict(child); err != nil {
			return fmt.Errorf("failed to load child %s: %w", name, err)
		}
	}

	return nil
}

// SubStateDict returns the entries under prefix+".", with the prefix removed.
func SubStateDict(stateDict map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	sub := make(map[string]*tensor.RawTensor)
	p := prefix + "."
	for key, raw := range stateDict {
		if rest, ok := strings.CutPrefix(key, p); ok {
			sub[rest] = raw
		}
	}
	return sub
}

// Sequential chains layers, feeding each output into the next layer.
//
// Layers are named explicitly (e.g. "layer1", "relu1") or by index when
// built with NewSequential ("0", "1", ...).
type Sequential struct {
	*Dict
	layers []Layer
}

// NewSequential creates a Sequential whose layers are named by index.
func NewSequential(layers ...Layer) *Sequential {
	s := &Sequential{Dict: NewDict()}
	for _, layer := range layers {
		s.Add(strconv.Itoa(len(s.layers)), layer)
	}
	return s
}

// Add appends a named layer.
func (s *Sequential) Add(name string, layer Layer) *Sequential {
	s.Dict.Add(name, layer)
	s.layers = append(s.layers, layer)
	return s
}

// Forward applies all layers in sequence.
func (s *Sequential) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	output := input
	for i, layer := range s.layers {
		var err error
		output, err = layer.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.names[i], err)
		}
	}
	return output, nil
}
