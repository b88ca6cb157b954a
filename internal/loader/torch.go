package loader

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/born-ml/bodymux/internal/tensor"
)

// ReadTorch loads a pickled PyTorch checkpoint.
//
// Nested dicts are flattened into dotted names, so {"model": {"fc.weight": t}}
// yields "model.fc.weight". Leaves that are not tensors (step counters,
// hyperparameters) are returned in skipped. Half and bfloat16 storages are
// widened to float32.
func ReadTorch(path string) (tensors map[string]*tensor.RawTensor, skipped []string, err error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unpickle %s: %w", path, err)
	}
	return flattenTorch(obj)
}

func flattenTorch(obj any) (map[string]*tensor.RawTensor, []string, error) {
	f := &torchFlattener{tensors: make(map[string]*tensor.RawTensor)}
	if err := f.walk("", obj); err != nil {
		return nil, nil, err
	}
	return f.tensors, f.skipped, nil
}

type torchFlattener struct {
	tensors map[string]*tensor.RawTensor
	skipped []string
}

func (f *torchFlattener) walk(prefix string, obj any) error {
	switch v := obj.(type) {
	case *pytorch.Tensor:
		if prefix == "" {
			return fmt.Errorf("checkpoint is a bare tensor, expected a dict")
		}
		if _, dup := f.tensors[prefix]; dup {
			return &DuplicateTensorError{Name: prefix}
		}
		raw, err := torchToRaw(v)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", prefix, err)
		}
		f.tensors[prefix] = raw

	case *types.Dict:
		for _, key := range v.Keys() {
			if err := f.walk(joinKey(prefix, key), v.MustGet(key)); err != nil {
				return err
			}
		}

	case *types.OrderedDict:
		for e := v.List.Front(); e != nil; e = e.Next() {
			entry, ok := e.Value.(*types.OrderedDictEntry)
			if !ok {
				return fmt.Errorf("unexpected OrderedDict entry %T under %q", e.Value, prefix)
			}
			if err := f.walk(joinKey(prefix, entry.Key), entry.Value); err != nil {
				return err
			}
		}

	default:
		if prefix == "" {
			return fmt.Errorf("checkpoint is a %T, expected a dict", obj)
		}
		f.skipped = append(f.skipped, prefix)
	}
	return nil
}

func joinKey(prefix string, key any) string {
	k := fmt.Sprint(key)
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

// torchToRaw copies a (possibly strided) torch tensor into a contiguous RawTensor.
func torchToRaw(t *pytorch.Tensor) (*tensor.RawTensor, error) {
	shape := tensor.Shape(append([]int(nil), t.Size...))

	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		return fill(t, s.Data, shape, tensor.Float32, (*tensor.RawTensor).AsFloat32)
	case *pytorch.HalfStorage:
		return fill(t, s.Data, shape, tensor.Float32, (*tensor.RawTensor).AsFloat32)
	case *pytorch.BFloat16Storage:
		return fill(t, s.Data, shape, tensor.Float32, (*tensor.RawTensor).AsFloat32)
	case *pytorch.DoubleStorage:
		return fill(t, s.Data, shape, tensor.Float64, (*tensor.RawTensor).AsFloat64)
	case *pytorch.IntStorage:
		return fill(t, s.Data, shape, tensor.Int32, (*tensor.RawTensor).AsInt32)
	case *pytorch.LongStorage:
		return fill(t, s.Data, shape, tensor.Int64, (*tensor.RawTensor).AsInt64)
	case *pytorch.ByteStorage:
		return fill(t, s.Data, shape, tensor.Uint8, (*tensor.RawTensor).AsUint8)
	case *pytorch.BoolStorage:
		return fill(t, s.Data, shape, tensor.Bool, (*tensor.RawTensor).AsBool)
	default:
		return nil, fmt.Errorf("unsupported storage %T", s)
	}
}

func fill[T any](
	t *pytorch.Tensor,
	data []T,
	shape tensor.Shape,
	dtype tensor.DataType,
	view func(*tensor.RawTensor) []T,
) (*tensor.RawTensor, error) {
	raw, err := tensor.NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	if err := gather(view(raw), data, t.StorageOffset, shape, t.Stride); err != nil {
		return nil, err
	}
	return raw, nil
}

// gather copies the elements of a strided view of data into dst in
// row-major order.
func gather[T any](dst, data []T, offset int, shape tensor.Shape, stride []int) error {
	if len(stride) != len(shape) {
		return fmt.Errorf("stride %v does not match shape %v", stride, shape)
	}

	idx := make([]int, len(shape))
	for i := range dst {
		pos := offset
		for d, n := range idx {
			pos += n * stride[d]
		}
		if pos < 0 || pos >= len(data) {
			return fmt.Errorf("element %d at storage position %d is outside storage of %d elements", i, pos, len(data))
		}
		dst[i] = data[pos]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return nil
}

// isTorchPath reports whether path has a conventional PyTorch extension.
func isTorchPath(path string) bool {
	for _, ext := range []string{".pth", ".pt", ".pkl", ".bin", ".ckpt"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
