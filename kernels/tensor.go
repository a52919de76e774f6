// Package kernels is a plain Go (CPU) implementation of the Paella VQ autoencoder operations.
//
// It doesn't depend on an accelerator backend: it's the reference used to cross-check the GoMLX graphs in
// package vqpaella, and a fallback to run small models anywhere.
package kernels

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Dims []int
	Data []float32
}

// New creates a zero-filled Tensor with the given dimensions.
func New(dims ...int) *Tensor {
	return &Tensor{Dims: slices.Clone(dims), Data: make([]float32, size(dims))}
}

// FromData creates a Tensor using data as backing storage. It panics if the size doesn't match the dimensions.
func FromData(data []float32, dims ...int) *Tensor {
	if len(data) != size(dims) {
		panic(fmt.Sprintf("kernels.FromData: %d values for dimensions %v", len(data), dims))
	}
	return &Tensor{Dims: slices.Clone(dims), Data: data}
}

func size(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Dims: slices.Clone(t.Dims), Data: slices.Clone(t.Data)}
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("kernels.Tensor%v", t.Dims)
}

// dims4 returns the dimensions of a rank-4 tensor.
func (t *Tensor) dims4() (b, c, h, w int) {
	if len(t.Dims) != 4 {
		panic(fmt.Sprintf("kernels: expected a rank-4 tensor, got dimensions %v", t.Dims))
	}
	return t.Dims[0], t.Dims[1], t.Dims[2], t.Dims[3]
}

// FromTensor copies a float32 GoMLX tensor.
func FromTensor(t *tensors.Tensor) (*Tensor, error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("kernels: only float32 tensors are supported, got %s", t.Shape())
	}
	out := New(t.Shape().Dimensions...)
	tensors.ConstFlatData(t, func(flat []float32) {
		copy(out.Data, flat)
	})
	return out, nil
}

// ToTensor copies the Tensor to a GoMLX tensor.
func (t *Tensor) ToTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(slices.Clone(t.Data), t.Dims...)
}

// MaxAbsDiff returns the largest absolute element-wise difference between a and b.
// It returns an error if the dimensions differ.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if !slices.Equal(a.Dims, b.Dims) {
		return 0, errors.Errorf("kernels: dimensions differ, %v and %v", a.Dims, b.Dims)
	}
	var diff float64
	for i, v := range a.Data {
		d := float64(v - b.Data[i])
		if d < 0 {
			d = -d
		}
		diff = max(diff, d)
	}
	return diff, nil
}
