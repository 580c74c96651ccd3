package calib

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

func TestStatsObserve(t *testing.T) {
	s := NewStats(2)
	x, err := tensor.FromSlice([]float32{
		1, -5,
		3, 2,
		-2, 0,
	}, tensor.Shape{3, 2})
	require.NoError(t, err)
	require.NoError(t, s.Observe(x))

	lo, hi, ok := s.Bounds(0)
	require.True(t, ok)
	assert.Equal(t, float32(-2), lo)
	assert.Equal(t, float32(3), hi)

	lo, hi, ok = s.Bounds(1)
	require.True(t, ok)
	assert.Equal(t, float32(-5), lo)
	assert.Equal(t, float32(2), hi)

	_, _, ok = s.Bounds(2)
	assert.False(t, ok)
}

func TestStatsChannelMismatch(t *testing.T) {
	s := NewStats(4)
	x := tensor.Zeros(tensor.Shape{2, 3})
	assert.Error(t, s.Observe(x))
}

func TestStatsFreezeRejectsObserve(t *testing.T) {
	s := NewStats(2)
	x := tensor.Zeros(tensor.Shape{1, 2})
	require.NoError(t, s.Observe(x))

	s.Freeze()
	s.Freeze() // idempotent
	assert.True(t, s.Frozen())

	err := s.Observe(x)
	assert.ErrorIs(t, err, ErrCalibrationReentry)
	assert.Equal(t, 1, s.Iterations())
}

// TestControllerFreezeSchedule walks the canonical threshold=5 schedule:
// steps 1..5 calibrate, step 6 freezes everything, step 7+ stay frozen.
func TestControllerFreezeSchedule(t *testing.T) {
	c, err := NewController(5)
	require.NoError(t, err)
	a, b := NewStats(2), NewStats(3)
	c.Register(a)
	c.Register(b)

	for step := 1; step <= 5; step++ {
		assert.Equal(t, PhaseCalibrating, c.BeginStep(), "step %d", step)
		assert.False(t, a.Frozen())
	}
	assert.Equal(t, PhaseTraining, c.BeginStep())
	assert.True(t, a.Frozen())
	assert.True(t, b.Frozen())

	// No way back.
	assert.Equal(t, PhaseTraining, c.BeginStep())
	assert.True(t, a.Frozen())
	assert.Equal(t, 7, c.Step())
}

// TestCalibrationIdempotent: calibrating twice over identical data yields
// identical frozen ranges, and re-observing data already inside the range
// never moves the bounds.
func TestCalibrationIdempotent(t *testing.T) {
	xs := make([]*tensor.Tensor, 3)
	for i := range xs {
		x, err := tensor.FromSlice([]float32{
			float32(i) - 2, 4,
			1, float32(-i),
		}, tensor.Shape{2, 2})
		require.NoError(t, err)
		xs[i] = x
	}

	a, b := NewStats(2), NewStats(2)
	for _, x := range xs {
		require.NoError(t, a.Observe(x))
		require.NoError(t, b.Observe(x))
	}
	// Observing the same data again changes nothing: min/max is absorbing.
	for _, x := range xs {
		require.NoError(t, b.Observe(x))
	}
	a.Freeze()
	b.Freeze()

	for c := 0; c < 2; c++ {
		alo, ahi, aok := a.Bounds(c)
		blo, bhi, bok := b.Bounds(c)
		require.True(t, aok, "channel %d", c)
		require.True(t, bok, "channel %d", c)
		assert.Equal(t, alo, blo, "channel %d", c)
		assert.Equal(t, ahi, bhi, "channel %d", c)
	}
}

// TestControllerCalibrating: the query stays true through the final
// calibration step and flips with the freeze.
func TestControllerCalibrating(t *testing.T) {
	c, err := NewController(3)
	require.NoError(t, err)

	assert.True(t, c.Calibrating())
	for step := 1; step <= 3; step++ {
		assert.Equal(t, PhaseCalibrating, c.BeginStep(), "step %d", step)
		assert.True(t, c.Calibrating(), "step %d", step)
	}
	assert.Equal(t, PhaseTraining, c.BeginStep())
	assert.False(t, c.Calibrating())
}

func TestControllerRejectsBadThreshold(t *testing.T) {
	_, err := NewController(0)
	assert.Error(t, err)
	_, err = NewController(-3)
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	c, err := NewController(2)
	require.NoError(t, err)
	s := NewStats(2)
	c.Register(s)

	x, err := tensor.FromSlice([]float32{-1, 4, 2, -3}, tensor.Shape{2, 2})
	require.NoError(t, err)
	c.BeginStep()
	require.NoError(t, s.Observe(x))
	c.BeginStep()
	require.NoError(t, s.Observe(x))
	c.BeginStep() // freeze

	path := filepath.Join(t.TempDir(), "calib.hycsnap")
	require.NoError(t, c.Save(path, []string{"attn.probs"}))

	ctrl, stats, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, stats, "attn.probs")

	got := stats["attn.probs"]
	assert.True(t, got.Frozen())
	assert.Equal(t, 2, got.Iterations())
	lo, hi, ok := got.Bounds(0)
	require.True(t, ok)
	assert.Equal(t, float32(-1), lo)
	assert.Equal(t, float32(2), hi)

	// A loaded controller never hands out calibration steps.
	assert.Equal(t, PhaseTraining, ctrl.BeginStep())
	assert.ErrorIs(t, got.Observe(x), ErrCalibrationReentry)
}

func TestSnapshotLoadMidWarmupStaysFrozen(t *testing.T) {
	c, err := NewController(5)
	require.NoError(t, err)
	s := NewStats(1)
	c.Register(s)
	c.BeginStep() // step 1 of 5

	path := filepath.Join(t.TempDir(), "partial.hycsnap")
	require.NoError(t, c.Save(path, []string{"op"}))

	ctrl, stats, err := Load(path)
	require.NoError(t, err)
	assert.True(t, stats["op"].Frozen())
	assert.False(t, ctrl.Calibrating())
	assert.Equal(t, PhaseTraining, ctrl.BeginStep())
}

func TestSnapshotDetectsCorruption(t *testing.T) {
	c, err := NewController(1)
	require.NoError(t, err)
	s := NewStats(1)
	c.Register(s)

	path := filepath.Join(t.TempDir(), "calib.hycsnap")
	require.NoError(t, c.Save(path, []string{"op"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = Load(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSnapshotRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-snapshot")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	_, _, err := Load(path)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrChecksumMismatch))
}

func TestSaveChecksNameCount(t *testing.T) {
	c, err := NewController(1)
	require.NoError(t, err)
	c.Register(NewStats(1))
	err = c.Save(filepath.Join(t.TempDir(), "x"), []string{"a", "b"})
	assert.Error(t, err)
}
