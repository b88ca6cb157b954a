package model

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/bodymux/internal/config"
	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/tensor"
)

// Child submodule names.
const (
	ConvBodyName = "Conv_Body"
	RPNName      = "RPN"
	BoxHeadName  = "Box_Head"
	BoxOutsName  = "Box_Outs"
	MaskHeadName = "Mask_Head"
	MaskOutsName = "Mask_Outs"
)

// RPN is the region proposal head: a shared 3x3 conv followed by 1x1 convs
// for objectness logits and box deltas.
type RPN struct {
	*nn.Dict
	conv      *nn.Conv2D
	clsLogits *nn.Conv2D
	bboxPred  *nn.Conv2D
}

// NewRPN creates the RPN head over dimIn-channel features.
func NewRPN(dimIn, numAnchors int, rng *rand.Rand) *RPN {
	r := &RPN{
		conv:      nn.NewConv2D(dimIn, dimIn, 3, 1, 1, rng),
		clsLogits: nn.NewConv2D(dimIn, numAnchors, 1, 1, 0, rng),
		bboxPred:  nn.NewConv2D(dimIn, 4*numAnchors, 1, 1, 0, rng),
	}
	r.Dict = nn.NewDict().
		Add("conv", r.conv).
		Add("cls_logits", r.clsLogits).
		Add("bbox_pred", r.bboxPred)
	return r
}

// RPNOutput holds the RPN predictions for one feature map.
type RPNOutput struct {
	ClsLogits *tensor.RawTensor // [N, A, H, W]
	BBoxPred  *tensor.RawTensor // [N, 4A, H, W]
}

// Forward computes objectness logits and box deltas.
func (r *RPN) Forward(features *tensor.RawTensor) (*RPNOutput, error) {
	hidden, err := r.conv.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("rpn conv: %w", err)
	}
	hidden = tensor.ReLU(hidden)

	cls, err := r.clsLogits.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("rpn cls_logits: %w", err)
	}
	bbox, err := r.bboxPred.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("rpn bbox_pred: %w", err)
	}
	return &RPNOutput{ClsLogits: cls, BBoxPred: bbox}, nil
}

// newBoxHead is the two-layer MLP over RoI-pooled features.
func newBoxHead(dimIn int, cfg config.Config, rng *rand.Rand) *nn.Dict {
	res := cfg.FastRCNN.RoIXformResolution
	hidden := cfg.FastRCNN.MLPHeadDim
	return nn.NewDict().
		Add("fc1", nn.NewLinear(dimIn*res*res, hidden, rng)).
		Add("fc2", nn.NewLinear(hidden, hidden, rng))
}

func newBoxOuts(cfg config.Config, rng *rand.Rand) *nn.Dict {
	hidden := cfg.FastRCNN.MLPHeadDim
	classes := cfg.Model.NumClasses
	return nn.NewDict().
		Add("cls_score", nn.NewLinear(hidden, classes, rng)).
		Add("bbox_pred", nn.NewLinear(hidden, 4*classes, rng))
}

func newMaskHead(dimIn int, cfg config.Config, rng *rand.Rand) *nn.Dict {
	dim := cfg.MRCNN.DimReduced
	return nn.NewDict().
		Add("conv_fcn1", nn.NewConv2D(dimIn, dim, 3, 1, 1, rng)).
		Add("conv_fcn2", nn.NewConv2D(dim, dim, 3, 1, 1, rng))
}

func newMaskOuts(cfg config.Config, rng *rand.Rand) *nn.Dict {
	return nn.NewDict().
		Add("classify", nn.NewConv2D(cfg.MRCNN.DimReduced, cfg.Model.NumClasses, 1, 1, 0, rng))
}
