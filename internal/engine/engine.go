// Package engine wires the pieces together: it wraps a transformer-style
// layer (attention plus gated MLP, both LoRA-adapted) so that every
// activation the backward pass needs is either buffered compressed or
// discarded and recomputed, as decided by the fusion plan built at wrap
// time.
//
// One training step is Forward followed by exactly one Backward; buffered
// activations are created by Forward, consumed once by Backward, then
// released. A failed encode or decode aborts the step and surfaces the
// error to the caller.
package engine

import (
	"fmt"

	"github.com/hyclora-ml/hyclora/internal/calib"
	"github.com/hyclora-ml/hyclora/internal/fusion"
	"github.com/hyclora-ml/hyclora/internal/op"
	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// saved is one retained boundary activation: exact or compressed.
type saved struct {
	exact *tensor.Tensor
	buf   *op.Buffer
}

// keep retains t according to the plan decision. Recompute decisions retain
// nothing and return nil.
func keep(d fusion.Decision, c *op.Compressor, t *tensor.Tensor) (*saved, error) {
	switch d {
	case fusion.StoreExact:
		return &saved{exact: t}, nil
	case fusion.StoreCompressed:
		if c == nil {
			return nil, fmt.Errorf("no compressor bound for store-compressed decision")
		}
		buf, err := c.Stash(t)
		if err != nil {
			return nil, err
		}
		return &saved{buf: buf}, nil
	case fusion.Recompute:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown decision %d", int(d))
	}
}

// use reconstructs a retained activation and releases it.
func use(s **saved) (*tensor.Tensor, error) {
	if *s == nil {
		return nil, op.ErrNotBuffered
	}
	v := *s
	*s = nil
	if v.exact != nil {
		return v.exact, nil
	}
	return op.Restore(v.buf)
}

// bytes returns the retained footprint of a saved activation.
func (s *saved) bytes() int {
	if s == nil {
		return 0
	}
	if s.exact != nil {
		return s.exact.ByteSize()
	}
	return s.buf.ByteSize()
}

// MemoryReport compares the bytes actually buffered for backward against
// what a full-precision activation cache would have held.
type MemoryReport struct {
	BufferedBytes int     `json:"buffered_bytes"`
	ExactBytes    int     `json:"exact_bytes"`
	SavingsRatio  float64 `json:"savings_ratio"`
}

// add folds another report in.
func (m *MemoryReport) add(other MemoryReport) {
	m.BufferedBytes += other.BufferedBytes
	m.ExactBytes += other.ExactBytes
	m.finish()
}

func (m *MemoryReport) finish() {
	if m.ExactBytes > 0 {
		m.SavingsRatio = 1 - float64(m.BufferedBytes)/float64(m.ExactBytes)
	}
}

// opPhase maps a controller phase onto the operator state machine.
func opPhase(p calib.Phase) op.Phase {
	if p == calib.PhaseCalibrating {
		return op.Calibrating
	}
	return op.Calibrated
}
