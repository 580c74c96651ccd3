package calib

import (
	"fmt"
	"sync"
)

// Phase of a training step as decided by the Controller.
type Phase int

// Calibration phases.
const (
	PhaseCalibrating Phase = iota
	PhaseTraining
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	if p == PhaseCalibrating {
		return "calibrating"
	}
	return "training"
}

// Controller runs the one-shot calibration schedule: exactly threshold
// forward/backward cycles observe statistics, after which every registered
// Stats freezes and all subsequent iterations run with the frozen ranges.
type Controller struct {
	mu        sync.Mutex
	threshold int
	step      int
	frozen    bool
	stats     []*Stats
}

// NewController creates a controller with the given iteration threshold.
func NewController(threshold int) (*Controller, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("iteration threshold must be positive, got %d", threshold)
	}
	return &Controller{threshold: threshold}, nil
}

// Register attaches an operator's statistics to the controller so they
// freeze together when the threshold is reached.
func (c *Controller) Register(s *Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = append(c.stats, s)
}

// BeginStep advances the step counter and returns the phase of this step.
// The transition to PhaseTraining freezes all registered statistics; there
// is no way back (calibration is one-shot per training run).
func (c *Controller) BeginStep() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step++
	if c.step <= c.threshold {
		return PhaseCalibrating
	}
	c.frozen = true
	for _, s := range c.stats {
		s.Freeze()
	}
	return PhaseTraining
}

// Calibrating reports whether the controller is still in its warm-up phase.
// It stays true through the final calibration step, matching BeginStep's
// phase boundary, and false once the freeze has happened (including on
// controllers restored from a snapshot).
func (c *Controller) Calibrating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.frozen
}

// Step returns the number of steps begun so far.
func (c *Controller) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Threshold returns the configured iteration threshold.
func (c *Controller) Threshold() int {
	return c.threshold
}
