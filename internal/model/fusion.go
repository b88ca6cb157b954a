package model

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/bodymux/internal/config"
	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/tensor"
)

// Fusion combines the features of parallel bodies into one feature map.
//
// Every variant has a post-assembly hook that runs after all bodies and
// heads have been loaded from their source checkpoints.
type Fusion interface {
	nn.Module

	// Method returns the BODY_MUXER.METHOD name of the variant.
	Method() string

	// DimOut returns the channel count of the fused features.
	DimOut() int

	// Fuse combines one feature map per body.
	Fuse(features []*tensor.RawTensor) (*tensor.RawTensor, error)

	// PostAssemble prepares fusion parameters once bodies are loaded;
	// headIndex names the body whose checkpoint supplied the heads.
	PostAssemble(headIndex int) error
}

// NewFusion builds the fusion variant named by method.
func NewFusion(method string, numBodies, dimOut int, rng *rand.Rand) (Fusion, error) {
	switch method {
	case config.FusionSum:
		return &SumFusion{dimOut: dimOut}, nil
	case config.FusionMean:
		return &MeanFusion{SumFusion{dimOut: dimOut}}, nil
	case config.FusionConcatenateConv:
		return NewConcatenateConvFusion(numBodies, dimOut, rng), nil
	default:
		return nil, fmt.Errorf("unknown fusion method %q", method)
	}
}

// SumFusion adds body features element-wise. It has no parameters.
type SumFusion struct {
	nn.Stateless
	dimOut int
}

// Method returns "sum".
func (f *SumFusion) Method() string { return config.FusionSum }

// DimOut returns the channel count of the fused features.
func (f *SumFusion) DimOut() int { return f.dimOut }

// Fuse returns the element-wise sum of features.
func (f *SumFusion) Fuse(features []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("sum fusion: no features")
	}
	out := features[0].Clone()
	for _, feat := range features[1:] {
		var err error
		if out, err = tensor.Add(out, feat); err != nil {
			return nil, fmt.Errorf("sum fusion: %w", err)
		}
	}
	return out, nil
}

// PostAssemble is a no-op.
func (f *SumFusion) PostAssemble(int) error { return nil }

// MeanFusion averages body features element-wise. It has no parameters.
type MeanFusion struct {
	SumFusion
}

// Method returns "mean".
func (f *MeanFusion) Method() string { return config.FusionMean }

// Fuse returns the element-wise mean of features.
func (f *MeanFusion) Fuse(features []*tensor.RawTensor) (*tensor.RawTensor, error) {
	sum, err := f.SumFusion.Fuse(features)
	if err != nil {
		return nil, err
	}
	return tensor.Scale(sum, 1/float32(len(features))), nil
}

// ConcatenateConvFusion concatenates body features along channels and
// reduces them back to dimOut channels with a learned 1x1 conv.
//
// State dict keys: "conv.weight" [dimOut, numBodies*dimOut, 1, 1] and
// "conv.bias" [dimOut].
type ConcatenateConvFusion struct {
	*nn.Dict
	numBodies int
	dimOut    int
	conv      *nn.Conv2D
}

// NewConcatenateConvFusion creates the fusion with a randomly initialized conv.
func NewConcatenateConvFusion(numBodies, dimOut int, rng *rand.Rand) *ConcatenateConvFusion {
	conv := nn.NewConv2D(numBodies*dimOut, dimOut, 1, 1, 0, rng)
	return &ConcatenateConvFusion{
		Dict:      nn.NewDict().Add("conv", conv),
		numBodies: numBodies,
		dimOut:    dimOut,
		conv:      conv,
	}
}

// Method returns "concatenate_conv".
func (f *ConcatenateConvFusion) Method() string { return config.FusionConcatenateConv }

// DimOut returns the channel count of the fused features.
func (f *ConcatenateConvFusion) DimOut() int { return f.dimOut }

// Conv returns the selection conv.
func (f *ConcatenateConvFusion) Conv() *nn.Conv2D { return f.conv }

// Fuse concatenates features and applies the selection conv.
func (f *ConcatenateConvFusion) Fuse(features []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(features) != f.numBodies {
		return nil, fmt.Errorf("concatenate_conv fusion: expected %d features, got %d", f.numBodies, len(features))
	}
	cat, err := tensor.ConcatChannels(features...)
	if err != nil {
		return nil, fmt.Errorf("concatenate_conv fusion: %w", err)
	}
	return f.conv.Forward(cat)
}

// PostAssemble sets the conv to pass through body headIndex unchanged:
// weight[c, headIndex*dimOut+c] = 1, every other weight and bias 0.
// The fused features then equal body headIndex's features.
func (f *ConcatenateConvFusion) PostAssemble(headIndex int) error {
	if headIndex < 0 || headIndex >= f.numBodies {
		return fmt.Errorf("concatenate_conv fusion: head index %d out of range [0, %d)", headIndex, f.numBodies)
	}

	weight := f.conv.Weight().Tensor().AsFloat32()
	for i := range weight {
		weight[i] = 0
	}
	inChannels := f.numBodies * f.dimOut
	for c := 0; c < f.dimOut; c++ {
		weight[c*inChannels+headIndex*f.dimOut+c] = 1
	}

	bias := f.conv.Bias().Tensor().AsFloat32()
	for i := range bias {
		bias[i] = 0
	}
	return nil
}
