// Copyright 2025 HyCLoRA Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package engine provides the public API for wrapping a transformer layer
// with activation compression: a fusion plan built from configuration
// decides which boundary activations are buffered compressed and which are
// recomputed during backward.
//
// Example:
//
//	cfg := engine.DefaultConfig()
//	layer, err := engine.NewLayer(cfg, 16, nil, rng)
//	phase, _ := layer.BeginStep()
//	y, err := layer.Forward(x)
//	dx, err := layer.Backward(dy)
package engine

import (
	"github.com/hyclora-ml/hyclora/internal/config"
	"github.com/hyclora-ml/hyclora/internal/engine"
	"github.com/hyclora-ml/hyclora/internal/fusion"
)

// Config mirrors the yaml configuration file.
type Config = config.Config

// Configuration entry points.
var (
	DefaultConfig = config.Default
	LoadConfig    = config.Load
)

// Layer is one wrapped transformer layer (attention plus gated MLP).
type Layer = engine.Layer

// NewLayer wraps a layer from a validated configuration.
var NewLayer = engine.NewLayer

// MemoryReport compares buffered bytes against a full-precision cache.
type MemoryReport = engine.MemoryReport

// Plan is the static per-boundary decision table.
type Plan = fusion.Plan

// Kind selects the compression aggressiveness of a wrapped layer.
type Kind = fusion.Kind

// Layer kinds.
const (
	Baseline           Kind = fusion.Baseline
	Intra              Kind = fusion.Intra
	IntraInter         Kind = fusion.IntraInter
	IntraInterFullFuse Kind = fusion.IntraInterFullFuse
)

// ErrInvalidFusionPlan reports an unsatisfiable plan.
var ErrInvalidFusionPlan = fusion.ErrInvalidFusionPlan

// BuildPlan constructs and validates the canonical plan for a kind.
var BuildPlan = fusion.Build
