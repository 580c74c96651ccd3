// Package calib implements the calibration warm-up phase: per-channel range
// statistics accumulated over a fixed number of iterations, then frozen for
// the remainder of the training run.
package calib

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Common errors.
var (
	ErrCalibrationReentry = errors.New("calibration statistics are frozen; re-entering calibration is not supported")
	ErrChecksumMismatch   = errors.New("snapshot checksum mismatch: file may be corrupted")
)

// Stats accumulates per-channel running min/max over the calibration
// iterations of one operator instance. Updates are serialized by a mutex so
// an iteration's observation is atomic; after Freeze the statistics are
// read-only.
type Stats struct {
	mu       sync.Mutex
	channels int
	min      []float32
	max      []float32
	seen     []bool
	iters    int
	frozen   bool
}

// NewStats creates statistics for the given channel count (the size of the
// tensor's last dimension).
func NewStats(channels int) *Stats {
	return &Stats{
		channels: channels,
		min:      make([]float32, channels),
		max:      make([]float32, channels),
		seen:     make([]bool, channels),
	}
}

// Observe folds one activation tensor into the running ranges.
// Returns ErrCalibrationReentry once the statistics are frozen.
func (s *Stats) Observe(t *tensor.Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrCalibrationReentry
	}
	_, cols := t.Shape().Rows()
	if cols != s.channels {
		return fmt.Errorf("stats built for %d channels, tensor has %d", s.channels, cols)
	}
	data := t.Data()
	for i, v := range data {
		c := i % cols
		if !s.seen[c] {
			s.min[c], s.max[c] = v, v
			s.seen[c] = true
			continue
		}
		if v < s.min[c] {
			s.min[c] = v
		}
		if v > s.max[c] {
			s.max[c] = v
		}
	}
	s.iters++
	return nil
}

// Freeze makes the statistics read-only. Freezing twice is a no-op.
func (s *Stats) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// Frozen reports whether the statistics are frozen.
func (s *Stats) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Iterations returns how many tensors have been observed.
func (s *Stats) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iters
}

// Channels returns the channel count the statistics were built for.
func (s *Stats) Channels() int {
	return s.channels
}

// Bounds returns the observed (lo, hi) range for a channel, ok=false when
// the channel was never observed. Implements outlier.Bounds.
func (s *Stats) Bounds(channel int) (lo, hi float32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel < 0 || channel >= s.channels || !s.seen[channel] {
		return 0, 0, false
	}
	return s.min[channel], s.max[channel], true
}
