package config

import (
	"errors"
	"fmt"
)

// Fusion method names accepted by BODY_MUXER.METHOD.
const (
	FusionSum             = "sum"
	FusionMean            = "mean"
	FusionConcatenateConv = "concatenate_conv"
)

// Config describes the architecture of a detection model.
type Config struct {
	Model     ModelConfig     `mapstructure:"MODEL"`
	Body      BodyConfig      `mapstructure:"BODY"`
	BodyMuxer BodyMuxerConfig `mapstructure:"BODY_MUXER"`
	FastRCNN  FastRCNNConfig  `mapstructure:"FAST_RCNN"`
	MRCNN     MRCNNConfig     `mapstructure:"MRCNN"`
	RNGSeed   int64           `mapstructure:"RNG_SEED"`
}

// ModelConfig holds options shared by all heads.
type ModelConfig struct {
	NumClasses int  `mapstructure:"NUM_CLASSES"`
	MaskOn     bool `mapstructure:"MASK_ON"`
	NumAnchors int  `mapstructure:"NUM_ANCHORS"`
}

// BodyConfig describes one conv body: Channels[i] -> Channels[i+1] per stage.
type BodyConfig struct {
	Channels []int `mapstructure:"CHANNELS"`
}

// BodyMuxerConfig describes the multi-input body.
// NumBodies == 0 builds a plain single-input model.
type BodyMuxerConfig struct {
	NumBodies int    `mapstructure:"NUM_BODIES"`
	Method    string `mapstructure:"METHOD"`
}

// FastRCNNConfig describes the box head.
type FastRCNNConfig struct {
	RoIXformResolution int `mapstructure:"ROI_XFORM_RESOLUTION"`
	MLPHeadDim         int `mapstructure:"MLP_HEAD_DIM"`
}

// MRCNNConfig describes the mask head.
type MRCNNConfig struct {
	DimReduced int `mapstructure:"DIM_REDUCED"`
}

// defaults returns the default tree every Build starts from.
func defaults() map[string]any {
	return map[string]any{
		"MODEL": map[string]any{
			"NUM_CLASSES": 2,
			"MASK_ON":     false,
			"NUM_ANCHORS": 3,
		},
		"BODY": map[string]any{
			"CHANNELS": []any{3, 8, 16},
		},
		"BODY_MUXER": map[string]any{
			"NUM_BODIES": 0,
			"METHOD":     FusionSum,
		},
		"FAST_RCNN": map[string]any{
			"ROI_XFORM_RESOLUTION": 2,
			"MLP_HEAD_DIM":         32,
		},
		"MRCNN": map[string]any{
			"DIM_REDUCED": 8,
		},
		"RNG_SEED": 3,
	}
}

// IsMultiInput reports whether the model has a body muxer.
func (c Config) IsMultiInput() bool {
	return c.BodyMuxer.NumBodies > 0
}

// BodyDimOut returns the channel count produced by one conv body.
func (c Config) BodyDimOut() int {
	return c.Body.Channels[len(c.Body.Channels)-1]
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error

	if c.Model.NumClasses < 1 {
		errs = append(errs, fmt.Errorf("MODEL.NUM_CLASSES must be >= 1, got %d", c.Model.NumClasses))
	}
	if c.Model.NumAnchors < 1 {
		errs = append(errs, fmt.Errorf("MODEL.NUM_ANCHORS must be >= 1, got %d", c.Model.NumAnchors))
	}
	if len(c.Body.Channels) < 2 {
		errs = append(errs, fmt.Errorf("BODY.CHANNELS needs at least 2 entries, got %v", c.Body.Channels))
	}
	for i, ch := range c.Body.Channels {
		if ch < 1 {
			errs = append(errs, fmt.Errorf("BODY.CHANNELS[%d] must be >= 1, got %d", i, ch))
		}
	}
	if c.BodyMuxer.NumBodies < 0 {
		errs = append(errs, fmt.Errorf("BODY_MUXER.NUM_BODIES must be >= 0, got %d", c.BodyMuxer.NumBodies))
	}
	switch c.BodyMuxer.Method {
	case FusionSum, FusionMean, FusionConcatenateConv:
	default:
		errs = append(errs, fmt.Errorf("BODY_MUXER.METHOD %q is not one of %s, %s, %s",
			c.BodyMuxer.Method, FusionSum, FusionMean, FusionConcatenateConv))
	}
	if c.FastRCNN.RoIXformResolution < 1 {
		errs = append(errs, fmt.Errorf("FAST_RCNN.ROI_XFORM_RESOLUTION must be >= 1, got %d", c.FastRCNN.RoIXformResolution))
	}
	if c.FastRCNN.MLPHeadDim < 1 {
		errs = append(errs, fmt.Errorf("FAST_RCNN.MLP_HEAD_DIM must be >= 1, got %d", c.FastRCNN.MLPHeadDim))
	}
	if c.Model.MaskOn && c.MRCNN.DimReduced < 1 {
		errs = append(errs, fmt.Errorf("MRCNN.DIM_REDUCED must be >= 1, got %d", c.MRCNN.DimReduced))
	}

	return errors.Join(errs...)
}
