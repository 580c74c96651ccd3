// Copyright 2025 HyCLoRA Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package quant provides the public API for the activation quantization
// codec: asymmetric uniform quantization at 1–8 bits with per-tensor,
// per-channel or per-block grouping, bit-packed into byte-aligned groups.
//
// Example:
//
//	comp, err := quant.Encode(t, 2, quant.PerBlockOf(64))
//	back, err := quant.Decode(comp)
package quant

import (
	"github.com/hyclora-ml/hyclora/internal/quant"
)

// Codec errors.
var (
	ErrUnsupportedBitWidth = quant.ErrUnsupportedBitWidth
	ErrShapeMismatch       = quant.ErrShapeMismatch
)

// ContainerBits is the widest supported bit width.
const ContainerBits = quant.ContainerBits

// GroupingKind selects how elements share quantization parameters.
type GroupingKind = quant.GroupingKind

// Grouping kinds.
const (
	PerTensor  GroupingKind = quant.PerTensor
	PerChannel GroupingKind = quant.PerChannel
	PerBlock   GroupingKind = quant.PerBlock
)

// Grouping pairs a kind with its block size.
type Grouping = quant.Grouping

// PerBlockOf builds a contiguous-block grouping.
var PerBlockOf = quant.PerBlockOf

// Compressed is an encoded tensor: packed codes plus per-group scale/min.
type Compressed = quant.Compressed

// Encode and Decode round-trip tensors through the codec.
var (
	Encode = quant.Encode
	Decode = quant.Decode
)
