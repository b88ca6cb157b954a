package nn

import (
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/bodymux/internal/tensor"
)

// State dict mismatch kinds.
var (
	ErrMissingKey    = errors.New("missing key")
	ErrUnexpectedKey = errors.New("unexpected key")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrDTypeMismatch = errors.New("dtype mismatch")
)

// StateDictError reports the first key at which a state dict failed to
// match a module's parameters.
type StateDictError struct {
	Key     string // Offending parameter path, relative to the module
	Err     error  // One of the Err* kinds above
	Details string // Additional details
}

// Error implements the error interface.
func (e *StateDictError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%v %q: %s", e.Err, e.Key, e.Details)
	}
	return fmt.Sprintf("%v %q", e.Err, e.Key)
}

// Unwrap returns the mismatch kind.
func (e *StateDictError) Unwrap() error {
	return e.Err
}

// Validate checks that stateDict matches m's own state dict exactly:
// same key set, and for every key the same shape and dtype.
//
// Keys are checked in sorted order so the reported key is deterministic.
// Missing keys are reported before unexpected ones.
func Validate(m Module, stateDict map[string]*tensor.RawTensor) error {
	expected := m.StateDict()

	for _, key := range SortedKeys(expected) {
		got, ok := stateDict[key]
		if !ok {
			return &StateDictError{Key: key, Err: ErrMissingKey}
		}
		want := expected[key]
		if got.DType() != want.DType() {
			return &StateDictError{
				Key:     key,
				Err:     ErrDTypeMismatch,
				Details: fmt.Sprintf("expected %s, got %s", want.DType(), got.DType()),
			}
		}
		if !got.Shape().Equal(want.Shape()) {
			return &StateDictError{
				Key:     key,
				Err:     ErrShapeMismatch,
				Details: fmt.Sprintf("expected %v, got %v", want.Shape(), got.Shape()),
			}
		}
	}

	for _, key := range SortedKeys(stateDict) {
		if _, ok := expected[key]; !ok {
			return &StateDictError{Key: key, Err: ErrUnexpectedKey}
		}
	}

	return nil
}

// SortedKeys returns the keys of a state dict in lexical order.
func SortedKeys(stateDict map[string]*tensor.RawTensor) []string {
	keys := make([]string, 0, len(stateDict))
	for key := range stateDict {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NumParameters returns the total element count of a state dict.
func NumParameters(stateDict map[string]*tensor.RawTensor) int {
	n := 0
	for _, raw := range stateDict {
		n += raw.NumElements()
	}
	return n
}
