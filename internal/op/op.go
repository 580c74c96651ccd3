// Package op implements the intra-operator compressors: wrappers around the
// non-linear operators of a transformer layer (softmax, RMSNorm/LayerNorm,
// elementwise activations) that buffer whatever the backward pass needs in
// compressed form instead of keeping the full-precision tensor alive.
//
// Each wrapper owns explicit Forward and Backward methods. A buffered
// activation is created by Forward, consumed exactly once by the matching
// Backward, then released.
package op

import (
	"errors"
	"fmt"

	"github.com/hyclora-ml/hyclora/internal/calib"
	"github.com/hyclora-ml/hyclora/internal/outlier"
	"github.com/hyclora-ml/hyclora/internal/quant"
	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Common errors.
var (
	ErrNotBuffered = errors.New("no buffered activation: backward called before forward")
	ErrConsumed    = errors.New("buffered activation already consumed")
)

// Phase of an operator instance. Instances move Uncalibrated → Calibrating
// → Calibrated and never back.
type Phase int

// Operator phases.
const (
	Uncalibrated Phase = iota
	Calibrating
	Calibrated
)

// Config fixes the codec parameters of one operator instance. The outlier
// ratio and grouping are frozen once the instance reaches Calibrated.
type Config struct {
	Bits         int
	Grouping     quant.Grouping
	OutlierRatio float64
}

// compressor holds the state shared by all operator wrappers.
type compressor struct {
	cfg   Config
	stats *calib.Stats
	phase Phase
}

func newCompressor(cfg Config, channels int) compressor {
	return compressor{
		cfg:   cfg,
		stats: calib.NewStats(channels),
	}
}

// Stats exposes the instance's calibration statistics for controller
// registration and snapshotting.
func (c *compressor) Stats() *calib.Stats { return c.stats }

// Phase returns the instance's current phase.
func (c *compressor) Phase() Phase { return c.phase }

// SetPhase moves the instance along its phase machine. Moving backwards is
// rejected: calibration is one-shot.
func (c *compressor) SetPhase(p Phase) error {
	if p < c.phase {
		return calib.ErrCalibrationReentry
	}
	c.phase = p
	return nil
}

// Buffer is one buffered activation: exact during calibration, quantized
// residual plus outlier record afterwards.
type Buffer struct {
	exact *tensor.Tensor
	comp  *quant.Compressed
	rec   *outlier.Record
}

// ByteSize returns the buffer's memory footprint.
func (b *Buffer) ByteSize() int {
	if b == nil {
		return 0
	}
	if b.exact != nil {
		return b.exact.ByteSize()
	}
	return b.comp.ByteSize() + b.rec.ByteSize()
}

// Compressed reports whether the buffer holds a quantized payload rather
// than an exact copy.
func (b *Buffer) Compressed() bool {
	return b != nil && b.comp != nil
}

// stash buffers t for the backward pass. During calibration the tensor is
// observed and kept exact; once calibrated it is split into outliers and a
// quantized residual.
func (c *compressor) stash(t *tensor.Tensor) (*Buffer, error) {
	if c.phase != Calibrated {
		if c.phase == Calibrating {
			if err := c.stats.Observe(t); err != nil {
				return nil, err
			}
		}
		return &Buffer{exact: t.Clone()}, nil
	}

	rec, residual, err := outlier.Extract(t, c.cfg.OutlierRatio, c.stats)
	if err != nil {
		return nil, err
	}
	comp, err := quant.Encode(residual, c.cfg.Bits, c.cfg.Grouping)
	if err != nil {
		return nil, err
	}
	return &Buffer{comp: comp, rec: rec}, nil
}

// restore reconstructs the buffered tensor.
func restore(b *Buffer) (*tensor.Tensor, error) {
	if b == nil {
		return nil, ErrNotBuffered
	}
	if b.exact != nil {
		return b.exact, nil
	}
	residual, err := quant.Decode(b.comp)
	if err != nil {
		return nil, fmt.Errorf("restore buffered activation: %w", err)
	}
	return outlier.Reinsert(residual, b.rec)
}

// Compressor buffers boundary activations for the inter-operator
// scheduler: tensors that are not internal to any wrapped operator but
// still cross an operator boundary compressed. It shares the calibration
// and codec behavior of the operator wrappers.
type Compressor struct {
	compressor
}

// NewCompressor creates a boundary compressor for tensors whose last
// dimension has the given size.
func NewCompressor(cfg Config, channels int) *Compressor {
	return &Compressor{compressor: newCompressor(cfg, channels)}
}

// Stash buffers t according to the instance's phase.
func (c *Compressor) Stash(t *tensor.Tensor) (*Buffer, error) {
	return c.stash(t)
}

// Restore reconstructs a buffered tensor.
func Restore(b *Buffer) (*tensor.Tensor, error) {
	return restore(b)
}

// take hands out the buffer exactly once, releasing the slot.
func take(slot **Buffer, consumed *bool) (*Buffer, error) {
	if *slot == nil {
		if *consumed {
			return nil, ErrConsumed
		}
		return nil, ErrNotBuffered
	}
	b := *slot
	*slot = nil
	*consumed = true
	return b, nil
}
