// Package tensor provides the dense float32 tensor substrate for the
// activation-compression engine.
//
// Activations produced by a transformer layer are handed to the engine as
// *Tensor values through this package. The representation is deliberately
// small: a contiguous row-major float32 buffer plus a Shape. Heavier
// machinery (dtype dispatch, devices, views) lives with the host training
// framework, not here.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense, contiguous, row-major float32 tensor.
type Tensor struct {
	data  []float32
	shape Shape
}

// New creates a zero-filled tensor with the given shape.
func New(shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Tensor{
		data:  make([]float32, shape.NumElements()),
		shape: shape.Clone(),
	}, nil
}

// FromSlice creates a tensor backed by a copy of data.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}
	t := &Tensor{
		data:  make([]float32, len(data)),
		shape: shape.Clone(),
	}
	copy(t.data, data)
	return t, nil
}

// Zeros creates a tensor filled with zeros. Panics on an invalid shape;
// use New when the shape comes from untrusted input.
func Zeros(shape Shape) *Tensor {
	t, err := New(shape)
	if err != nil {
		panic(err)
	}
	return t
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// Randn creates a tensor with values drawn from N(0, 1) using rng.
// math/rand is appropriate here: the values seed synthetic activations and
// adapter initializations, not anything security sensitive.
func Randn(shape Shape, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
	return t
}

// Data returns the backing slice. Mutations are visible to the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// ByteSize returns the buffer size in bytes.
func (t *Tensor) ByteSize() int {
	return len(t.data) * 4
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		data:  make([]float32, len(t.data)),
		shape: t.shape.Clone(),
	}
	copy(c.data, t.data)
	return c
}

// Reshape returns a tensor sharing t's buffer with a new shape.
// The element count must match.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != len(t.data) {
		return nil, fmt.Errorf("cannot reshape %v to %v: element count differs", t.shape, shape)
	}
	return &Tensor{data: t.data, shape: shape.Clone()}, nil
}
