// Package compose builds the weights of a multi-input detection model from
// single-input checkpoints.
//
// Each source checkpoint i contributes its Conv_Body parameters to backbone
// slot i of the target's body muxer. Exactly one source, selected by the
// head weights index, contributes the head children (RPN, Box_Head, ...).
// Every load is exact, so a parameter is never dropped, duplicated or
// routed to the wrong submodule without an error.
package compose
