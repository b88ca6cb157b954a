package model

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/parallel"
	"github.com/born-ml/bodymux/internal/tensor"
)

// BodyMuxer runs one conv body per input stream and fuses their features.
//
// State dict layout: "bodies.<i>.<body key>" for each body, followed by the
// fusion's own parameters (if any) at the top level.
type BodyMuxer struct {
	bodies []*nn.Sequential
	fusion Fusion
	tree   *nn.Dict
}

// NewBodyMuxer creates numBodies identical bodies and the named fusion.
func NewBodyMuxer(numBodies int, channels []int, method string, rng *rand.Rand) (*BodyMuxer, error) {
	if numBodies < 1 {
		return nil, fmt.Errorf("body muxer needs at least one body, got %d", numBodies)
	}

	bodies := nn.NewDict()
	m := &BodyMuxer{bodies: make([]*nn.Sequential, numBodies)}
	for i := range m.bodies {
		m.bodies[i] = NewBody(channels, rng)
		bodies.Add(strconv.Itoa(i), m.bodies[i])
	}

	fusion, err := NewFusion(method, numBodies, channels[len(channels)-1], rng)
	if err != nil {
		return nil, err
	}
	m.fusion = fusion

	m.tree = nn.NewDict().Add("bodies", bodies)
	if fd, ok := fusion.(*ConcatenateConvFusion); ok {
		m.tree.Add("conv", fd.Conv())
	}
	return m, nil
}

// NumBodies returns the number of parallel bodies.
func (m *BodyMuxer) NumBodies() int {
	return len(m.bodies)
}

// Body returns body i.
func (m *BodyMuxer) Body(i int) (nn.Module, error) {
	if i < 0 || i >= len(m.bodies) {
		return nil, fmt.Errorf("body index %d out of range [0, %d)", i, len(m.bodies))
	}
	return m.bodies[i], nil
}

// Fusion returns the fusion variant.
func (m *BodyMuxer) Fusion() Fusion {
	return m.fusion
}

// DimOut returns the channel count of the fused features.
func (m *BodyMuxer) DimOut() int {
	return m.fusion.DimOut()
}

// StateDict returns body and fusion parameters.
func (m *BodyMuxer) StateDict() map[string]*tensor.RawTensor {
	return m.tree.StateDict()
}

// LoadStateDict loads body and fusion parameters exactly.
func (m *BodyMuxer) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return m.tree.LoadStateDict(stateDict)
}

// Forward runs body i on inputs[i] and fuses the results.
func (m *BodyMuxer) Forward(inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(inputs) != len(m.bodies) {
		return nil, fmt.Errorf("body muxer expects %d inputs, got %d", len(m.bodies), len(inputs))
	}

	features := make([]*tensor.RawTensor, len(inputs))
	err := parallel.ForEach(len(m.bodies), parallel.Workers(), func(i int) error {
		feat, err := m.bodies[i].Forward(inputs[i])
		if err != nil {
			return fmt.Errorf("body %d: %w", i, err)
		}
		features[i] = feat
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m.fusion.Fuse(features)
}
