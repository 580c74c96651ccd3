package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/hyclora-ml/hyclora/internal/calib"
	"github.com/hyclora-ml/hyclora/internal/config"
	"github.com/hyclora-ml/hyclora/internal/fusion"
	"github.com/hyclora-ml/hyclora/internal/lora"
	"github.com/hyclora-ml/hyclora/internal/op"
	"github.com/hyclora-ml/hyclora/internal/quant"
	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Block is the gated MLP half of a wrapped layer:
//
//	out = x + down(silu(gate(rmsnorm(x))) ⊙ up(rmsnorm(x)))
//
// with every projection LoRA-adapted. The fusion plan decides which of the
// intermediate activations survive the forward pass and in what form.
type Block struct {
	plan *fusion.Plan

	norm *op.RMSNorm
	act  *op.SiLU // only instantiated when the plan buffers the gate projection
	gate *lora.Adapter
	up   *lora.Adapter
	down *lora.Adapter

	normOutC *op.Compressor

	// Per-step retained activations; nil when the plan discards them.
	hSaved      *saved
	uSaved      *saved
	aSSaved     *saved
	hadSaved    *saved
	xaGateSaved *saved
	xaUpSaved   *saved
	xaDownSaved *saved
	done        bool

	mem MemoryReport
}

// NewBlock wires the MLP path from a validated configuration.
func NewBlock(cfg config.Config, plan *fusion.Plan, rng *rand.Rand) (*Block, error) {
	opCfg := op.Config{
		Bits:         cfg.QBit,
		Grouping:     quant.PerBlockOf(cfg.GroupSize),
		OutlierRatio: cfg.LayerNormOutlierRatio,
	}

	gate, err := lora.NewAdapter("mlp.gate", cfg.HiddenDim, cfg.IntermediateDim, cfg.Rank, rng)
	if err != nil {
		return nil, err
	}
	up, err := lora.NewAdapter("mlp.up", cfg.HiddenDim, cfg.IntermediateDim, cfg.Rank, rng)
	if err != nil {
		return nil, err
	}
	down, err := lora.NewAdapter("mlp.down", cfg.IntermediateDim, cfg.HiddenDim, cfg.Rank, rng)
	if err != nil {
		return nil, err
	}

	b := &Block{
		plan: plan,
		norm: op.NewRMSNorm(opCfg, cfg.HiddenDim, cfg.Epsilon),
		gate: gate,
		up:   up,
		down: down,
	}
	if plan.At(fusion.GateProj).Decision != fusion.Recompute {
		b.act = op.NewSiLU(op.Config{
			Bits:         cfg.QBit,
			Grouping:     quant.PerBlockOf(cfg.GroupSize),
			OutlierRatio: cfg.LayerNormOutlierRatio,
		}, cfg.IntermediateDim)
	}
	if plan.At(fusion.NormOut).Decision == fusion.StoreCompressed {
		b.normOutC = op.NewCompressor(opCfg, cfg.HiddenDim)
	}
	return b, nil
}

// Stats returns the calibration statistics of every compressor in the
// block, keyed for controller registration and snapshots.
func (b *Block) Stats() map[string]*calib.Stats {
	m := map[string]*calib.Stats{"mlp.norm": b.norm.Stats()}
	if b.act != nil {
		m["mlp.act"] = b.act.Stats()
	}
	if b.normOutC != nil {
		m["mlp.norm_out"] = b.normOutC.Stats()
	}
	return m
}

// SetPhase moves every compressor in the block along the phase machine.
func (b *Block) SetPhase(p op.Phase) error {
	if err := b.norm.SetPhase(p); err != nil {
		return err
	}
	if b.act != nil {
		if err := b.act.SetPhase(p); err != nil {
			return err
		}
	}
	if b.normOutC != nil {
		if err := b.normOutC.SetPhase(p); err != nil {
			return err
		}
	}
	return nil
}

// Adapters returns the block's trainable adapters.
func (b *Block) Adapters() []*lora.Adapter {
	return []*lora.Adapter{b.gate, b.up, b.down}
}

// Norm exposes the normalization operator (its gamma is trainable).
func (b *Block) Norm() *op.RMSNorm { return b.norm }

// Memory returns the retention accounting of the last Forward.
func (b *Block) Memory() MemoryReport { return b.mem }

// retain applies the plan decision for one boundary and tracks both the
// retained footprint and the exact-cache footprint it replaces.
func (b *Block) retain(bd fusion.Boundary, c *op.Compressor, t *tensor.Tensor) (*saved, error) {
	s, err := keep(b.plan.At(bd).Decision, c, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bd, err)
	}
	b.mem.BufferedBytes += s.bytes()
	b.mem.ExactBytes += t.ByteSize()
	return s, nil
}

// Forward runs the MLP path and retains boundary activations per the plan.
func (b *Block) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	b.mem = MemoryReport{}
	b.done = false

	h, err := b.norm.Forward(x)
	if err != nil {
		return nil, err
	}
	gRaw, xaGate, err := b.gate.Forward(h)
	if err != nil {
		return nil, err
	}
	u, xaUp, err := b.up.Forward(h)
	if err != nil {
		return nil, err
	}

	var aS *tensor.Tensor
	if b.act != nil {
		aS, err = b.act.Forward(gRaw)
		if err != nil {
			return nil, err
		}
	} else {
		aS = op.Silu(gRaw)
	}

	had, err := tensor.Mul(aS, u)
	if err != nil {
		return nil, err
	}
	y, xaDown, err := b.down.Forward(had)
	if err != nil {
		return nil, err
	}
	out, err := tensor.Add(x, y)
	if err != nil {
		return nil, err
	}

	if b.hSaved, err = b.retain(fusion.NormOut, b.normOutC, h); err != nil {
		return nil, err
	}
	// The gate projection is either buffered inside the activation wrapper
	// or re-derived during backward; either way the exact cache it replaces
	// is one full-precision tensor.
	if b.act != nil {
		b.mem.BufferedBytes += b.act.BufferedBytes()
	}
	b.mem.ExactBytes += gRaw.ByteSize()
	if b.uSaved, err = b.retain(fusion.UpProj, nil, u); err != nil {
		return nil, err
	}
	if b.aSSaved, err = b.retain(fusion.ActOut, nil, aS); err != nil {
		return nil, err
	}
	if b.hadSaved, err = b.retain(fusion.GateHadamard, nil, had); err != nil {
		return nil, err
	}
	if b.xaGateSaved, err = b.retain(fusion.LoraGate, nil, xaGate); err != nil {
		return nil, err
	}
	if b.xaUpSaved, err = b.retain(fusion.LoraUp, nil, xaUp); err != nil {
		return nil, err
	}
	if b.xaDownSaved, err = b.retain(fusion.LoraDown, nil, xaDown); err != nil {
		return nil, err
	}

	// The normalization wrapper always buffers its own input.
	b.mem.BufferedBytes += b.norm.BufferedBytes()
	b.mem.ExactBytes += x.ByteSize()
	b.mem.finish()

	return out, nil
}

// Backward consumes the retained activations, recomputing the discarded
// ones, and propagates the gradient back through the block. Adapter and
// gamma gradients accumulate in place.
func (b *Block) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if b.done {
		return nil, op.ErrConsumed
	}
	b.done = true
	h, err := use(&b.hSaved)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fusion.NormOut, err)
	}

	var gRaw, u, aS, had, xaGate, xaUp, xaDown *tensor.Tensor
	recompute := b.plan.At(fusion.UpProj).Decision == fusion.Recompute
	if recompute {
		if b.plan.Kind.Fused() {
			return b.backwardFused(h, dy)
		}
		gRaw, xaGate, err = b.gate.Forward(h)
		if err != nil {
			return nil, err
		}
		u, xaUp, err = b.up.Forward(h)
		if err != nil {
			return nil, err
		}
		aS = op.Silu(gRaw)
		had, err = tensor.Mul(aS, u)
		if err != nil {
			return nil, err
		}
		xaDown, err = b.down.Recompute(had)
		if err != nil {
			return nil, err
		}
	} else {
		if u, err = use(&b.uSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.UpProj, err)
		}
		if aS, err = use(&b.aSSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.ActOut, err)
		}
		if had, err = use(&b.hadSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.GateHadamard, err)
		}
		if xaGate, err = use(&b.xaGateSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.LoraGate, err)
		}
		if xaUp, err = use(&b.xaUpSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.LoraUp, err)
		}
		if xaDown, err = use(&b.xaDownSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.LoraDown, err)
		}
	}

	dHad, err := b.down.Backward(had, xaDown, dy)
	if err != nil {
		return nil, err
	}
	dAS, err := tensor.Mul(dHad, u)
	if err != nil {
		return nil, err
	}
	dU, err := tensor.Mul(dHad, aS)
	if err != nil {
		return nil, err
	}

	var dGRaw *tensor.Tensor
	if b.act != nil {
		dGRaw, err = b.act.Backward(dAS)
	} else {
		dGRaw, err = op.SiluGrad(gRaw, dAS)
	}
	if err != nil {
		return nil, err
	}

	dH, err := b.gate.Backward(h, xaGate, dGRaw)
	if err != nil {
		return nil, err
	}
	dH2, err := b.up.Backward(h, xaUp, dU)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(dH, dH2); err != nil {
		return nil, err
	}
	dx, err := b.norm.Backward(dH)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(dx, dy); err != nil { // residual
		return nil, err
	}
	return dx, nil
}

// backwardFused re-derives the projection→activation→Hadamard region from
// the restored normalized hidden state and walks its gradients in a single
// pass: the elementwise stages are merged so no sub-operator boundary is
// materialized between them. The arithmetic matches the unfused recompute
// path value for value.
func (b *Block) backwardFused(h, dy *tensor.Tensor) (*tensor.Tensor, error) {
	gRaw, xaGate, err := b.gate.Forward(h)
	if err != nil {
		return nil, err
	}
	u, xaUp, err := b.up.Forward(h)
	if err != nil {
		return nil, err
	}

	// Fused elementwise forward: silu and Hadamard in one sweep.
	had := tensor.Zeros(gRaw.Shape())
	aS := tensor.Zeros(gRaw.Shape())
	gd, ud, ad, hd := gRaw.Data(), u.Data(), aS.Data(), had.Data()
	for i, v := range gd {
		s := v * sigmoidf(v)
		ad[i] = s
		hd[i] = s * ud[i]
	}

	xaDown, err := b.down.Recompute(had)
	if err != nil {
		return nil, err
	}
	dHad, err := b.down.Backward(had, xaDown, dy)
	if err != nil {
		return nil, err
	}

	// Fused elementwise backward: Hadamard and activation gradients in one
	// sweep.
	dU := tensor.Zeros(u.Shape())
	dGRaw := tensor.Zeros(gRaw.Shape())
	dhd, dud, dgd := dHad.Data(), dU.Data(), dGRaw.Data()
	for i, v := range gd {
		da := dhd[i] * ud[i]
		dud[i] = dhd[i] * ad[i]
		sg := sigmoidf(v)
		dgd[i] = da * sg * (1 + v*(1-sg))
	}

	dH, err := b.gate.Backward(h, xaGate, dGRaw)
	if err != nil {
		return nil, err
	}
	dH2, err := b.up.Backward(h, xaUp, dU)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(dH, dH2); err != nil {
		return nil, err
	}
	dx, err := b.norm.Backward(dH)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(dx, dy); err != nil {
		return nil, err
	}
	return dx, nil
}

func sigmoidf(x float32) float32 {
	return float32(1 / (1 + math.Exp(float64(-x))))
}
