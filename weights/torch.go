package weights

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultStateDictKey is the entry of training checkpoints holding the model parameters.
const DefaultStateDictKey = "state_dict"

// ReadTorch reads the tensors of a PyTorch pickled checkpoint.
//
// If the top-level dictionary has an entry stateDictKey (e.g. "state_dict") the tensors are read from it,
// otherwise the top level is taken as the state dictionary. Values that are not tensors (optimizer state,
// step counters, etc.) are skipped. Floating point tensors are converted to float32, integer ones to int64.
func ReadTorch(path, stateDictKey string) (*trees.Tree[*tensors.Tensor], error) {
	checkpoint, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unpickle torch checkpoint %q", path)
	}
	if stateDictKey != "" {
		if inner, found := dictGet(checkpoint, stateDictKey); found {
			klog.V(1).Infof("weights: reading %q from %q", stateDictKey, path)
			checkpoint = inner
		}
	}

	tree := trees.New[*tensors.Tensor]()
	err = dictRange(checkpoint, func(key string, value any) error {
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			klog.V(2).Infof("weights: skipping %q (%T) in %q", key, value, path)
			return nil
		}
		t, err := convertTorchTensor(pt)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", key)
		}
		return tree.Set(trees.ParseKey(key), t)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reading torch checkpoint %q", path)
	}
	return tree, nil
}

func dictGet(dict any, key string) (any, bool) {
	switch d := dict.(type) {
	case *types.Dict:
		return d.Get(key)
	case *types.OrderedDict:
		return d.Get(key)
	}
	return nil, false
}

// dictRange calls fn for each string keyed entry of a pickled dictionary.
func dictRange(dict any, fn func(key string, value any) error) error {
	switch d := dict.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			key, ok := k.(string)
			if !ok {
				continue
			}
			if err := fn(key, d.MustGet(k)); err != nil {
				return err
			}
		}
		return nil
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			key, ok := entry.Key.(string)
			if !ok {
				continue
			}
			if err := fn(key, entry.Value); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf("expected a dictionary of tensors, got %T", dict)
}

// convertTorchTensor copies the (possibly strided) view of the storage.
func convertTorchTensor(pt *pytorch.Tensor) (*tensors.Tensor, error) {
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		return tensors.FromFlatDataAndDimensions(gatherStrided(s.Data, pt), pt.Size...), nil
	case *pytorch.HalfStorage:
		return tensors.FromFlatDataAndDimensions(gatherStrided(s.Data, pt), pt.Size...), nil
	case *pytorch.BFloat16Storage:
		return tensors.FromFlatDataAndDimensions(gatherStrided(s.Data, pt), pt.Size...), nil
	case *pytorch.DoubleStorage:
		values := gatherStrided(s.Data, pt)
		f32s := make([]float32, len(values))
		for i, v := range values {
			f32s[i] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(f32s, pt.Size...), nil
	case *pytorch.LongStorage:
		return tensors.FromFlatDataAndDimensions(gatherStrided(s.Data, pt), pt.Size...), nil
	}
	return nil, errors.Errorf("unsupported torch storage %T", pt.Source)
}

// gatherStrided returns the elements of the view in row-major order.
func gatherStrided[T any](storage []T, pt *pytorch.Tensor) []T {
	size := 1
	for _, d := range pt.Size {
		size *= d
	}
	values := make([]T, size)
	if size == 0 {
		return values
	}
	index := make([]int, len(pt.Size))
	for i := range values {
		offset := pt.StorageOffset
		for axis, idx := range index {
			offset += idx * pt.Stride[axis]
		}
		values[i] = storage[offset]
		// Increment the multi-dimensional index, last axis first.
		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < pt.Size[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return values
}
