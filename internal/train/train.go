// Package train runs the demonstration fine-tuning loop: a single wrapped
// layer driven over synthetic batches, with a quadratic loss so gradients
// flow without a dataset. The loop exercises the full calibration → frozen
// training lifecycle and reports the activation memory retained each step.
package train

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/hyclora-ml/hyclora/internal/config"
	"github.com/hyclora-ml/hyclora/internal/engine"
	"github.com/hyclora-ml/hyclora/internal/logger"
	"github.com/hyclora-ml/hyclora/internal/optim"
	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Options configures one training run.
type Options struct {
	Config    config.Config
	Steps     int
	BatchSize int
	SeqLen    int
	LR        float32
	Optimizer string // "sgd" or "adam"
	Seed      int64

	// SnapshotPath, when set, receives the calibration snapshot at the end
	// of the run.
	SnapshotPath string

	Log logger.Logger
}

// StepReport is the per-step record of a run.
type StepReport struct {
	Step   int                 `json:"step"`
	Phase  string              `json:"phase"`
	Loss   float64             `json:"loss"`
	Memory engine.MemoryReport `json:"memory"`
}

// Result summarizes a finished run.
type Result struct {
	RunID     string       `json:"run_id"`
	LayerType string       `json:"layer_type"`
	Steps     []StepReport `json:"steps"`
	FinalLoss float64      `json:"final_loss"`
}

// Run executes the loop. The loss is 0.5·mean(y²), so the output gradient
// is just the scaled output.
func Run(opts Options) (*Result, error) {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	if opts.Steps <= 0 {
		return nil, fmt.Errorf("train: steps must be positive, got %d", opts.Steps)
	}
	if opts.BatchSize <= 0 || opts.SeqLen <= 0 {
		return nil, fmt.Errorf("train: batch %d and sequence %d must be positive",
			opts.BatchSize, opts.SeqLen)
	}

	runID := uuid.NewString()
	log = log.With("run_id", runID)
	rng := rand.New(rand.NewSource(opts.Seed))

	layer, err := engine.NewLayer(opts.Config, opts.SeqLen, log, rng)
	if err != nil {
		return nil, err
	}

	var opt optim.Optimizer
	switch opts.Optimizer {
	case "", "sgd":
		opt = optim.NewSGD(opts.LR)
	case "adam":
		opt = optim.NewAdam(opts.LR)
	default:
		return nil, fmt.Errorf("train: unknown optimizer %q", opts.Optimizer)
	}
	params := Params(layer)

	shape := tensor.Shape{opts.BatchSize, opts.SeqLen, opts.Config.HiddenDim}
	res := &Result{RunID: runID, LayerType: opts.Config.LayerType}

	for step := 1; step <= opts.Steps; step++ {
		phase, err := layer.BeginStep()
		if err != nil {
			return nil, fmt.Errorf("train: step %d: %w", step, err)
		}
		layer.ZeroGrad()

		x := tensor.Randn(shape, rng)
		y, err := layer.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("train: step %d: %w", step, err)
		}

		n := float32(y.NumElements())
		var loss float64
		dy := tensor.Zeros(y.Shape())
		yd, gd := y.Data(), dy.Data()
		for i, v := range yd {
			loss += 0.5 * float64(v) * float64(v)
			gd[i] = v / n
		}
		loss /= float64(n)

		if _, err := layer.Backward(dy); err != nil {
			return nil, fmt.Errorf("train: step %d: %w", step, err)
		}
		if err := opt.Step(params); err != nil {
			return nil, fmt.Errorf("train: step %d: %w", step, err)
		}

		mem := layer.Memory()
		res.Steps = append(res.Steps, StepReport{
			Step:   step,
			Phase:  phase.String(),
			Loss:   loss,
			Memory: mem,
		})
		res.FinalLoss = loss
		log.Info("step done",
			"step", step,
			"phase", phase.String(),
			"loss", loss,
			"buffered_bytes", mem.BufferedBytes,
			"savings_ratio", mem.SavingsRatio)
	}

	if opts.SnapshotPath != "" {
		if err := layer.Controller().Save(opts.SnapshotPath, layer.StatNames()); err != nil {
			return nil, fmt.Errorf("train: snapshot: %w", err)
		}
		log.Info("calibration snapshot written", "path", opts.SnapshotPath)
	}
	return res, nil
}

// Params flattens the layer's trainable buffers into optimizer parameters.
func Params(l *engine.Layer) []optim.Parameter {
	var ps []optim.Parameter
	for _, a := range l.Adapters() {
		ps = append(ps,
			optim.Parameter{Name: a.Name + ".A", Data: a.A.Data(), Grad: a.GradA.Data()},
			optim.Parameter{Name: a.Name + ".B", Data: a.B.Data(), Grad: a.GradB.Data()},
		)
	}
	norm := l.Norm()
	ps = append(ps, optim.Parameter{
		Name: "mlp.norm.gamma",
		Data: norm.Gamma.Data(),
		Grad: norm.GradGamma.Data(),
	})
	return ps
}
