package train

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyclora-ml/hyclora/internal/calib"
	"github.com/hyclora-ml/hyclora/internal/config"
	"github.com/hyclora-ml/hyclora/internal/engine"
)

func testOptions() Options {
	cfg := config.Default()
	cfg.IterationThreshold = 3
	cfg.HiddenDim = 16
	cfg.IntermediateDim = 24
	cfg.NumHeads = 4
	cfg.NumKVHeads = 2
	cfg.Rank = 4
	cfg.GroupSize = 8
	return Options{
		Config:    cfg,
		Steps:     5,
		BatchSize: 2,
		SeqLen:    6,
		LR:        1e-3,
		Seed:      42,
	}
}

func TestRunLifecycle(t *testing.T) {
	opts := testOptions()
	res, err := Run(opts)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "intra_inter", res.LayerType)
	require.Len(t, res.Steps, opts.Steps)

	for i, sr := range res.Steps {
		assert.Equal(t, i+1, sr.Step)
		if sr.Step <= opts.Config.IterationThreshold {
			assert.Equal(t, calib.PhaseCalibrating.String(), sr.Phase, "step %d", sr.Step)
		} else {
			assert.Equal(t, calib.PhaseTraining.String(), sr.Phase, "step %d", sr.Step)
		}
		assert.Greater(t, sr.Loss, 0.0, "step %d", sr.Step)
	}
	assert.Equal(t, res.Steps[len(res.Steps)-1].Loss, res.FinalLoss)

	// Past the threshold the retained buffers shrink.
	last := res.Steps[len(res.Steps)-1].Memory
	assert.Greater(t, last.SavingsRatio, 0.3)
	assert.Less(t, last.BufferedBytes, last.ExactBytes)
}

func TestRunDeterministic(t *testing.T) {
	a, err := Run(testOptions())
	require.NoError(t, err)
	b, err := Run(testOptions())
	require.NoError(t, err)
	require.Len(t, b.Steps, len(a.Steps))
	for i := range a.Steps {
		assert.Equal(t, a.Steps[i].Loss, b.Steps[i].Loss, "step %d", i+1)
	}
}

func TestRunWritesSnapshot(t *testing.T) {
	opts := testOptions()
	opts.SnapshotPath = filepath.Join(t.TempDir(), "calib.hycsnap")
	res, err := Run(opts)
	require.NoError(t, err)
	require.NotNil(t, res)

	info, err := os.Stat(opts.SnapshotPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	ctrl, stats, err := calib.Load(opts.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, opts.Config.IterationThreshold, ctrl.Threshold())
	assert.NotEmpty(t, stats)
	for name, st := range stats {
		assert.True(t, st.Frozen(), name)
	}
}

func TestRunAdam(t *testing.T) {
	opts := testOptions()
	opts.Optimizer = "adam"
	opts.Steps = 2
	_, err := Run(opts)
	require.NoError(t, err)
}

func TestRunRejectsBadOptions(t *testing.T) {
	opts := testOptions()
	opts.Optimizer = "lion"
	_, err := Run(opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.Steps = 0
	_, err = Run(opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.BatchSize = 0
	_, err = Run(opts)
	assert.Error(t, err)

	opts = testOptions()
	opts.Config.QBit = 12
	_, err = Run(opts)
	assert.Error(t, err)
}

func TestParamsCoverTrainables(t *testing.T) {
	opts := testOptions()
	layer, err := engine.NewLayer(opts.Config, opts.SeqLen, nil, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	ps := Params(layer)
	// 7 adapters (q, k, v, out, gate, up, down) x two factors + gamma.
	require.Len(t, ps, 15)

	seen := map[string]bool{}
	for _, p := range ps {
		assert.False(t, seen[p.Name], "duplicate parameter %q", p.Name)
		seen[p.Name] = true
		assert.Equal(t, len(p.Data), len(p.Grad), p.Name)
		assert.NotEmpty(t, p.Data, p.Name)
	}
	assert.True(t, seen["attn.q.A"])
	assert.True(t, seen["mlp.down.B"])
	assert.True(t, seen["mlp.norm.gamma"])
}
