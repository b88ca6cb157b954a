// Package config builds the immutable architecture configuration of a
// detection model.
//
// A Config is assembled once from an ordered list of sources and then passed
// by value to every component that needs it:
//
//	cfg, err := config.Build(
//	    config.Set("MODEL.NUM_CLASSES", 2),
//	    config.File("configs/three_stream.yaml"),
//	    config.Overrides("BODY_MUXER.METHOD=sum"),
//	)
//
// Later sources win. Keys are case-insensitive dotted paths into the YAML
// tree; unknown keys are rejected so typos in config files surface as
// errors instead of silently keeping a default.
package config
