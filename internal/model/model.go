package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/born-ml/bodymux/internal/config"
	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/tensor"
)

// Child is a named head submodule.
type Child struct {
	Name   string
	Module nn.Module
}

// Model is a detection model: a conv body plus named head children.
type Model struct {
	convBody ConvBody
	muxer    *BodyMuxer // nil for single-input models
	heads    *nn.Dict
	tree     *nn.Dict
}

// New builds the model described by cfg. Weights are randomly initialized
// from cfg.RNGSeed, so two models built from the same config are identical.
func New(cfg config.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	//nolint:gosec // Using math/rand for weight initialization (not security-critical)
	rng := rand.New(rand.NewSource(cfg.RNGSeed))

	var body ConvBody
	if cfg.IsMultiInput() {
		muxer, err := NewBodyMuxer(cfg.BodyMuxer.NumBodies, cfg.Body.Channels, cfg.BodyMuxer.Method, rng)
		if err != nil {
			return nil, err
		}
		body = muxer
	} else {
		body = NewSingleBody(cfg.Body.Channels, rng)
	}

	dim := body.DimOut()
	heads := []Child{
		{RPNName, NewRPN(dim, cfg.Model.NumAnchors, rng)},
		{BoxHeadName, newBoxHead(dim, cfg, rng)},
		{BoxOutsName, newBoxOuts(cfg, rng)},
	}
	if cfg.Model.MaskOn {
		heads = append(heads,
			Child{MaskHeadName, newMaskHead(dim, cfg, rng)},
			Child{MaskOutsName, newMaskOuts(cfg, rng)},
		)
	}

	return Assemble(body, heads...)
}

// Assemble builds a model from an explicit body and head list.
//
// Head names must be unique, non-empty, free of the path delimiter and
// distinct from Conv_Body.
func Assemble(body ConvBody, heads ...Child) (*Model, error) {
	if body == nil {
		return nil, fmt.Errorf("model needs a conv body")
	}

	m := &Model{
		convBody: body,
		heads:    nn.NewDict(),
		tree:     nn.NewDict().Add(ConvBodyName, body),
	}
	if muxer, ok := body.(*BodyMuxer); ok {
		m.muxer = muxer
	}

	for _, head := range heads {
		switch {
		case head.Name == "" || strings.Contains(head.Name, "."):
			return nil, fmt.Errorf("invalid head name %q", head.Name)
		case head.Name == ConvBodyName:
			return nil, fmt.Errorf("head name %q is reserved for the conv body", head.Name)
		case head.Module == nil:
			return nil, fmt.Errorf("head %q has no module", head.Name)
		}
		if _, ok := m.heads.Get(head.Name); ok {
			return nil, fmt.Errorf("duplicate head name %q", head.Name)
		}
		m.heads.Add(head.Name, head.Module)
		m.tree.Add(head.Name, head.Module)
	}

	return m, nil
}

// ConvBody returns the model's conv body.
func (m *Model) ConvBody() ConvBody {
	return m.convBody
}

// Muxer returns the body muxer, or nil for a single-input model.
func (m *Model) Muxer() *BodyMuxer {
	return m.muxer
}

// NumBodies returns the number of backbone slots; 0 for a single-input model.
func (m *Model) NumBodies() int {
	if m.muxer == nil {
		return 0
	}
	return m.muxer.NumBodies()
}

// Body returns backbone slot i of the body muxer.
func (m *Model) Body(i int) (nn.Module, error) {
	if m.muxer == nil {
		return nil, fmt.Errorf("model has no body muxer")
	}
	return m.muxer.Body(i)
}

// Child returns the head submodule registered under name.
func (m *Model) Child(name string) (nn.Module, bool) {
	return m.heads.Get(name)
}

// ChildNames returns head names in construction order.
func (m *Model) ChildNames() []string {
	return m.heads.Names()
}

// FusionMethod returns the body muxer's fusion method, or "" for a
// single-input model.
func (m *Model) FusionMethod() string {
	if m.muxer == nil {
		return ""
	}
	return m.muxer.Fusion().Method()
}

// PostAssemble runs the fusion's post-assembly hook. It is a no-op for
// single-input models.
func (m *Model) PostAssemble(headIndex int) error {
	if m.muxer == nil {
		return nil
	}
	return m.muxer.Fusion().PostAssemble(headIndex)
}

// StateDict returns every parameter of the model keyed by full path.
func (m *Model) StateDict() map[string]*tensor.RawTensor {
	return m.tree.StateDict()
}

// LoadStateDict loads a full-model state dict exactly.
func (m *Model) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return m.tree.LoadStateDict(stateDict)
}

// Forward runs the conv body on one input per stream and the RPN head on
// the resulting features.
func (m *Model) Forward(inputs ...*tensor.RawTensor) (*RPNOutput, error) {
	child, ok := m.heads.Get(RPNName)
	if !ok {
		return nil, fmt.Errorf("model has no %s head", RPNName)
	}
	rpn, ok := child.(*RPN)
	if !ok {
		return nil, fmt.Errorf("%s head is %T, not *RPN", RPNName, child)
	}

	features, err := m.convBody.Forward(inputs...)
	if err != nil {
		return nil, fmt.Errorf("conv body: %w", err)
	}
	return rpn.Forward(features)
}
