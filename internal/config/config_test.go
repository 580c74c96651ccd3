package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyclora-ml/hyclora/internal/fusion"
	"github.com/hyclora-ml/hyclora/internal/quant"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, fusion.IntraInter, Default().Kind())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown layer type", func(c *Config) { c.LayerType = "hyper" }},
		{"zero threshold", func(c *Config) { c.IterationThreshold = 0 }},
		{"negative outlier ratio", func(c *Config) { c.SoftmaxOutlierRatio = -0.1 }},
		{"outlier ratio one", func(c *Config) { c.LayerNormOutlierRatio = 1 }},
		{"zero group size", func(c *Config) { c.GroupSize = 0 }},
		{"zero hidden dim", func(c *Config) { c.HiddenDim = 0 }},
		{"zero rank", func(c *Config) { c.Rank = 0 }},
		{"heads not multiple of kv heads", func(c *Config) { c.NumHeads = 4; c.NumKVHeads = 3 }},
		{"hidden not divisible by heads", func(c *Config) { c.HiddenDim = 65 }},
		{"zero epsilon", func(c *Config) { c.Epsilon = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateBitWidth(t *testing.T) {
	cfg := Default()
	for _, bits := range []int{1, 2, 4, 8} {
		cfg.QBit = bits
		assert.NoError(t, cfg.Validate(), "q_bit=%d", bits)
	}
	for _, bits := range []int{0, -1, 9, 16} {
		cfg.QBit = bits
		err := cfg.Validate()
		require.Error(t, err, "q_bit=%d", bits)
		assert.True(t, errors.Is(err, quant.ErrUnsupportedBitWidth), "q_bit=%d", bits)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layer.yaml")
	body := "layer_type: intra\nq_bit: 4\nhidden_dim: 32\nnum_heads: 2\nnum_kv_heads: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "intra", cfg.LayerType)
	assert.Equal(t, 4, cfg.QBit)
	assert.Equal(t, 32, cfg.HiddenDim)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().IterationThreshold, cfg.IterationThreshold)
	assert.Equal(t, Default().Rank, cfg.Rank)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(":\n  - {"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("q_bit: 11\n"), 0o644))
	_, err = Load(invalid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, quant.ErrUnsupportedBitWidth))
}
