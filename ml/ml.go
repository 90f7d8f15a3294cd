// Package ml provides the tensor types exchanged with model services.
package ml

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gorgonia.org/tensor"
)

// Tensors are a data structure to hold the input and output map of tensors that will fed into a
// model, or come from the result of a model.
type Tensors map[string]*tensor.Dense

// Names returns the tensor names in sorted order.
func (ts Tensors) Names() []string {
	names := lo.Keys(ts)
	sort.Strings(names)
	return names
}

// Only returns the single tensor in the map, or an error naming what was found instead.
func (ts Tensors) Only() (string, *tensor.Dense, error) {
	if len(ts) != 1 {
		return "", nil, errors.Errorf("expected exactly one tensor, got %d %v", len(ts), ts.Names())
	}
	for name, t := range ts {
		return name, t, nil
	}
	panic("unreachable")
}

// NewFloat32 allocates a zeroed float32 tensor of the given shape.
func NewFloat32(shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32))
}

// Float32s returns the backing slice of a float32 tensor without copying.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 tensor data, got %T", t.Data())
	}
	return data, nil
}
