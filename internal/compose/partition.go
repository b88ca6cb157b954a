package compose

import (
	"maps"
	"slices"
	"strings"

	"github.com/born-ml/bodymux/internal/model"
	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/tensor"
)

// PartitionedKeySet is one checkpoint's parameters split by destination.
//
// Body holds the Conv_Body parameters with the "Conv_Body." prefix removed.
// Heads holds every other parameter, keyed by child name and then by the
// path below that child.
type PartitionedKeySet struct {
	Body  map[string]*tensor.RawTensor
	Heads map[string]map[string]*tensor.RawTensor
}

// ChildNames returns the head children present, sorted.
func (p *PartitionedKeySet) ChildNames() []string {
	return slices.Sorted(maps.Keys(p.Heads))
}

// NumHeadKeys returns the number of head parameters over all children.
func (p *PartitionedKeySet) NumHeadKeys() int {
	n := 0
	for _, sub := range p.Heads {
		n += len(sub)
	}
	return n
}

// Partition splits a checkpoint's parameters into the conv body partition
// and one partition per head child.
//
// A key belongs to the body iff its first segment is exactly Conv_Body.
// Every other key is split on its first dot into child and sub-key. Keys
// without a non-empty child and sub-key are rejected with a
// *MalformedKeyError.
func Partition(state map[string]*tensor.RawTensor) (*PartitionedKeySet, error) {
	parts := &PartitionedKeySet{
		Body:  make(map[string]*tensor.RawTensor),
		Heads: make(map[string]map[string]*tensor.RawTensor),
	}

	for _, key := range nn.SortedKeys(state) {
		child, sub, ok := strings.Cut(key, ".")
		if !ok || child == "" || sub == "" {
			return nil, &MalformedKeyError{Index: -1, Key: key}
		}

		if child == model.ConvBodyName {
			parts.Body[sub] = state[key]
			continue
		}

		head, ok := parts.Heads[child]
		if !ok {
			head = make(map[string]*tensor.RawTensor)
			parts.Heads[child] = head
		}
		head[sub] = state[key]
	}

	return parts, nil
}
