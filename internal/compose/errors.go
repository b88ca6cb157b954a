package compose

import (
	"fmt"
	"strings"
)

// LoadError reports a source checkpoint that could not be read.
type LoadError struct {
	Index int
	Path  string
	Err   error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("checkpoint %d (%s): %v", e.Index, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// DuplicateKeyError reports two entries of one checkpoint that resolve to
// the same parameter.
type DuplicateKeyError struct {
	Index int
	Path  string
	Key   string
	Err   error // Underlying reader error, if any
}

// Error implements the error interface.
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("checkpoint %d (%s): duplicate parameter %q", e.Index, e.Path, e.Key)
}

// Unwrap returns the underlying cause.
func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// MalformedKeyError reports a parameter path that cannot be attributed to a
// child submodule.
type MalformedKeyError struct {
	Index int
	Path  string
	Key   string
}

// Error implements the error interface.
func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("checkpoint %d (%s): parameter %q has no child prefix", e.Index, e.Path, e.Key)
}

// UnknownChildError reports head parameters for a child the target model
// does not have.
type UnknownChildError struct {
	Index int
	Path  string
	Child string
	Known []string // Target child names
}

// Error implements the error interface.
func (e *UnknownChildError) Error() string {
	return fmt.Sprintf("checkpoint %d (%s): model has no child %q (have %s)",
		e.Index, e.Path, e.Child, strings.Join(e.Known, ", "))
}

// ShapeOrKeyMismatchError reports a partition that does not load exactly
// into its target submodule.
type ShapeOrKeyMismatchError struct {
	Index  int
	Path   string
	Target string // Submodule the partition was loaded into
	Key    string // Full parameter path in the checkpoint
	Err    error  // *nn.StateDictError
}

// Error implements the error interface.
func (e *ShapeOrKeyMismatchError) Error() string {
	return fmt.Sprintf("checkpoint %d (%s): cannot load into %s: %v", e.Index, e.Path, e.Target, e.Err)
}

// Unwrap returns the state dict error.
func (e *ShapeOrKeyMismatchError) Unwrap() error {
	return e.Err
}

// ConfigMismatchError reports sources or options that disagree with the
// target model's configuration. Index is -1 when no single checkpoint is
// at fault.
type ConfigMismatchError struct {
	Index  int
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *ConfigMismatchError) Error() string {
	if e.Index < 0 {
		return "config mismatch: " + e.Reason
	}
	return fmt.Sprintf("config mismatch: checkpoint %d (%s): %s", e.Index, e.Path, e.Reason)
}
