// Copyright 2025 HyCLoRA Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for the engine's dense float32
// tensors: contiguous row-major storage with explicit shapes and the
// small set of linear-algebra kernels the adapter math needs.
//
// Example:
//
//	x := tensor.Zeros(tensor.Shape{2, 3})
//	y := tensor.Ones(tensor.Shape{2, 3})
//	z, err := tensor.Add(x, y)
package tensor

import (
	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Shape describes tensor dimensions, outermost first.
type Shape = tensor.Shape

// Tensor is a dense float32 tensor.
type Tensor = tensor.Tensor

// Constructors.
var (
	New       = tensor.New
	FromSlice = tensor.FromSlice
	Zeros     = tensor.Zeros
	Ones      = tensor.Ones
	Full      = tensor.Full
	Randn     = tensor.Randn
)

// Elementwise and matrix operations.
var (
	Add        = tensor.Add
	Mul        = tensor.Mul
	Scale      = tensor.Scale
	AddInPlace = tensor.AddInPlace
	MatMul     = tensor.MatMul
	MatMulT1   = tensor.MatMulT1
	MatMulT2   = tensor.MatMulT2
	MaxAbsDiff = tensor.MaxAbsDiff
)
