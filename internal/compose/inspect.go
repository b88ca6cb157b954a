package compose

import (
	"maps"
	"slices"

	"github.com/born-ml/bodymux/internal/model"
	"github.com/born-ml/bodymux/internal/nn"
	"github.com/born-ml/bodymux/internal/tensor"
)

// PartSummary describes one partition of a checkpoint.
type PartSummary struct {
	Name       string // Conv_Body or a head child name
	Tensors    int
	Parameters int
	DTypes     []string // Sorted
}

// Summarize partitions state and describes each part, conv body first and
// head children in sorted order.
func Summarize(state map[string]*tensor.RawTensor) ([]PartSummary, error) {
	parts, err := Partition(state)
	if err != nil {
		return nil, err
	}

	summaries := make([]PartSummary, 0, len(parts.Heads)+1)
	if len(parts.Body) > 0 {
		summaries = append(summaries, summarize(model.ConvBodyName, parts.Body))
	}
	for _, child := range parts.ChildNames() {
		summaries = append(summaries, summarize(child, parts.Heads[child]))
	}
	return summaries, nil
}

func summarize(name string, part map[string]*tensor.RawTensor) PartSummary {
	dtypes := make(map[string]struct{})
	for _, raw := range part {
		dtypes[raw.DType().String()] = struct{}{}
	}
	return PartSummary{
		Name:       name,
		Tensors:    len(part),
		Parameters: nn.NumParameters(part),
		DTypes:     slices.Sorted(maps.Keys(dtypes)),
	}
}
