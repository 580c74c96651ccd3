package engine

import (
	"math/rand"
	"sort"

	"github.com/hyclora-ml/hyclora/internal/calib"
	"github.com/hyclora-ml/hyclora/internal/config"
	"github.com/hyclora-ml/hyclora/internal/fusion"
	"github.com/hyclora-ml/hyclora/internal/logger"
	"github.com/hyclora-ml/hyclora/internal/lora"
	"github.com/hyclora-ml/hyclora/internal/op"
	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Layer is one wrapped transformer layer: grouped-query attention followed
// by the gated MLP, both residual. Wrapping builds the fusion plan, the
// compressors and the adapters eagerly; configuration problems surface here
// rather than mid-training.
type Layer struct {
	plan *fusion.Plan
	ctrl *calib.Controller
	attn *Attention
	mlp  *Block
	log  logger.Logger

	statNames []string
}

// NewLayer wraps a layer from a validated configuration. seqLen fixes the
// sequence length of every batch fed through the layer.
func NewLayer(cfg config.Config, seqLen int, log logger.Logger, rng *rand.Rand) (*Layer, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	plan, err := fusion.Build(cfg.Kind())
	if err != nil {
		return nil, err
	}
	attn, err := NewAttention(cfg, plan, seqLen, rng)
	if err != nil {
		return nil, err
	}
	mlp, err := NewBlock(cfg, plan, rng)
	if err != nil {
		return nil, err
	}
	ctrl, err := calib.NewController(cfg.IterationThreshold)
	if err != nil {
		return nil, err
	}

	l := &Layer{plan: plan, ctrl: ctrl, attn: attn, mlp: mlp, log: log}

	// Register statistics in sorted name order so snapshots are stable.
	all := l.Stats()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctrl.Register(all[name])
	}
	l.statNames = names

	log.Info("layer wrapped",
		"kind", plan.Kind.String(),
		"calibration_threshold", cfg.IterationThreshold,
		"q_bit", cfg.QBit,
		"hidden_dim", cfg.HiddenDim)
	return l, nil
}

// Stats returns the calibration statistics of every compressor in the
// layer, keyed by operator name.
func (l *Layer) Stats() map[string]*calib.Stats {
	m := l.attn.Stats()
	for name, st := range l.mlp.Stats() {
		m[name] = st
	}
	return m
}

// StatNames returns the registered statistic names in registration order.
func (l *Layer) StatNames() []string { return l.statNames }

// Controller exposes the calibration controller for snapshotting.
func (l *Layer) Controller() *calib.Controller { return l.ctrl }

// Plan returns the layer's fusion plan.
func (l *Layer) Plan() *fusion.Plan { return l.plan }

// Adapters returns every trainable adapter in the layer.
func (l *Layer) Adapters() []*lora.Adapter {
	return append(l.attn.Adapters(), l.mlp.Adapters()...)
}

// Norm exposes the MLP normalization operator (its gamma is trainable).
func (l *Layer) Norm() *op.RMSNorm { return l.mlp.Norm() }

// BeginStep advances the calibration controller and propagates the
// resulting phase to every compressor. Baseline layers never calibrate:
// their buffers stay exact for the whole run.
func (l *Layer) BeginStep() (calib.Phase, error) {
	phase := l.ctrl.BeginStep()
	if l.plan.Kind == fusion.Baseline {
		return phase, nil
	}
	p := opPhase(phase)
	if err := l.attn.SetPhase(p); err != nil {
		return phase, err
	}
	if err := l.mlp.SetPhase(p); err != nil {
		return phase, err
	}
	if phase == calib.PhaseTraining && l.ctrl.Step() == l.ctrl.Threshold()+1 {
		l.log.Info("calibration frozen", "steps", l.ctrl.Threshold())
	}
	return phase, nil
}

// Forward runs the layer: attention, then the gated MLP.
func (l *Layer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := l.attn.Forward(x)
	if err != nil {
		return nil, err
	}
	return l.mlp.Forward(h)
}

// Backward propagates the output gradient back through the layer,
// consuming every buffered activation exactly once.
func (l *Layer) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	dh, err := l.mlp.Backward(dy)
	if err != nil {
		return nil, err
	}
	return l.attn.Backward(dh)
}

// Memory returns the combined retention accounting of the last Forward.
func (l *Layer) Memory() MemoryReport {
	m := l.attn.Memory()
	m.add(l.mlp.Memory())
	return m
}

// ZeroGrad clears every accumulated gradient in the layer.
func (l *Layer) ZeroGrad() {
	for _, a := range l.Adapters() {
		a.ZeroGrad()
	}
	g := l.mlp.Norm().GradGamma.Data()
	for i := range g {
		g[i] = 0
	}
}
