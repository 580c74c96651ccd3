// Package config defines the layer-construction configuration surface of
// the engine. Configuration is consumed once when a layer is wrapped;
// validation failures are fatal at that point, before any training
// iteration runs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hyclora-ml/hyclora/internal/fusion"
	"github.com/hyclora-ml/hyclora/internal/quant"
)

// Config mirrors the yaml configuration file.
type Config struct {
	LayerType             string  `yaml:"layer_type"`
	IterationThreshold    int     `yaml:"iteration_threshold"`
	SoftmaxOutlierRatio   float64 `yaml:"softmax_outlier_ratio"`
	LayerNormOutlierRatio float64 `yaml:"layernorm_outlier_ratio"`
	QBit                  int     `yaml:"q_bit"`
	GroupSize             int     `yaml:"group_size"`

	// Layer geometry.
	HiddenDim       int     `yaml:"hidden_dim"`
	IntermediateDim int     `yaml:"intermediate_dim"`
	NumHeads        int     `yaml:"num_heads"`
	NumKVHeads      int     `yaml:"num_kv_heads"`
	Rank            int     `yaml:"rank"`
	Epsilon         float32 `yaml:"epsilon"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a workable configuration for the demo trainer.
func Default() Config {
	return Config{
		LayerType:             "intra_inter",
		IterationThreshold:    5,
		SoftmaxOutlierRatio:   0.01,
		LayerNormOutlierRatio: 0.01,
		QBit:                  2,
		GroupSize:             64,
		HiddenDim:             64,
		IntermediateDim:       128,
		NumHeads:              4,
		NumKVHeads:            2,
		Rank:                  8,
		Epsilon:               1e-5,
		LogLevel:              "info",
	}
}

// Load reads a yaml configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every recognized option eagerly. There is no safe partial
// configuration: the first violation aborts layer construction.
func (c Config) Validate() error {
	if _, err := fusion.ParseKind(c.LayerType); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.IterationThreshold <= 0 {
		return fmt.Errorf("config: iteration_threshold must be positive, got %d", c.IterationThreshold)
	}
	if c.QBit < 1 || c.QBit > quant.ContainerBits {
		return fmt.Errorf("config: q_bit %d: %w", c.QBit, quant.ErrUnsupportedBitWidth)
	}
	if c.SoftmaxOutlierRatio < 0 || c.SoftmaxOutlierRatio >= 1 {
		return fmt.Errorf("config: softmax_outlier_ratio must be in [0,1), got %g", c.SoftmaxOutlierRatio)
	}
	if c.LayerNormOutlierRatio < 0 || c.LayerNormOutlierRatio >= 1 {
		return fmt.Errorf("config: layernorm_outlier_ratio must be in [0,1), got %g", c.LayerNormOutlierRatio)
	}
	if c.GroupSize <= 0 {
		return fmt.Errorf("config: group_size must be positive, got %d", c.GroupSize)
	}
	if c.HiddenDim <= 0 || c.IntermediateDim <= 0 || c.Rank <= 0 {
		return fmt.Errorf("config: dimensions must be positive (hidden=%d intermediate=%d rank=%d)",
			c.HiddenDim, c.IntermediateDim, c.Rank)
	}
	if c.NumHeads <= 0 || c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("config: num_heads %d must be a positive multiple of num_kv_heads %d",
			c.NumHeads, c.NumKVHeads)
	}
	if c.HiddenDim%c.NumHeads != 0 {
		return fmt.Errorf("config: hidden_dim %d not divisible by num_heads %d", c.HiddenDim, c.NumHeads)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("config: epsilon must be positive, got %g", c.Epsilon)
	}
	return nil
}

// Kind returns the parsed layer type. Call Validate first.
func (c Config) Kind() fusion.Kind {
	k, _ := fusion.ParseKind(c.LayerType)
	return k
}
