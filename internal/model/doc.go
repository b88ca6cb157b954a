// Package model builds Mask R-CNN style detection models as trees of named
// parameter-owning submodules.
//
// A model is a conv body plus a set of head children:
//
//	Conv_Body   single body, or a BodyMuxer with parallel bodies
//	RPN         region proposal head
//	Box_Head    box feature MLP
//	Box_Outs    class scores and box deltas
//	Mask_Head   mask feature convs (MASK_ON only)
//	Mask_Outs   per-class mask logits (MASK_ON only)
//
// Parameter paths follow the submodule tree, e.g. "Conv_Body.layer1.weight"
// for a single-input model and "Conv_Body.bodies.2.layer1.weight" for the
// third body of a multi-input model.
//
// Children are held in an explicit name -> module mapping fixed at
// construction, so lookups by name never depend on what happens to exist at
// runtime.
package model
