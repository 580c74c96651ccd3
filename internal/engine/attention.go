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

// Attention is the grouped-query attention half of a wrapped layer:
//
//	out = x + proj(softmax(q·kᵀ/√d) · v)
//
// with LoRA-adapted q/k/v/output projections. Key and value heads are
// shared across query-head groups and expanded on the fly. The attention
// map is buffered by the softmax wrapper; the projections are retained or
// recomputed per the fusion plan.
type Attention struct {
	plan *fusion.Plan

	heads   int
	kvHeads int
	headDim int

	q   *lora.Adapter
	k   *lora.Adapter
	v   *lora.Adapter
	out *lora.Adapter

	probs *op.Softmax
	inC   *op.Compressor
	ctxC  *op.Compressor

	xSaved     *saved
	qhSaved    *saved
	khSaved    *saved
	vhSaved    *saved
	ctxSaved   *saved
	xaQSaved   *saved
	xaKSaved   *saved
	xaVSaved   *saved
	xaOutSaved *saved
	done       bool

	mem MemoryReport
}

// NewAttention wires the attention path. seqLen fixes the attention map's
// channel count for calibration; inputs must use that sequence length.
func NewAttention(cfg config.Config, plan *fusion.Plan, seqLen int, rng *rand.Rand) (*Attention, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("attention: sequence length must be positive, got %d", seqLen)
	}
	headDim := cfg.HiddenDim / cfg.NumHeads
	kvDim := cfg.NumKVHeads * headDim

	q, err := lora.NewAdapter("attn.q", cfg.HiddenDim, cfg.HiddenDim, cfg.Rank, rng)
	if err != nil {
		return nil, err
	}
	k, err := lora.NewAdapter("attn.k", cfg.HiddenDim, kvDim, cfg.Rank, rng)
	if err != nil {
		return nil, err
	}
	v, err := lora.NewAdapter("attn.v", cfg.HiddenDim, kvDim, cfg.Rank, rng)
	if err != nil {
		return nil, err
	}
	outP, err := lora.NewAdapter("attn.out", cfg.HiddenDim, cfg.HiddenDim, cfg.Rank, rng)
	if err != nil {
		return nil, err
	}

	hiddenCfg := op.Config{
		Bits:         cfg.QBit,
		Grouping:     quant.PerBlockOf(cfg.GroupSize),
		OutlierRatio: cfg.LayerNormOutlierRatio,
	}
	a := &Attention{
		plan:    plan,
		heads:   cfg.NumHeads,
		kvHeads: cfg.NumKVHeads,
		headDim: headDim,
		q:       q,
		k:       k,
		v:       v,
		out:     outP,
		probs: op.NewSoftmax(op.Config{
			Bits:         cfg.QBit,
			Grouping:     quant.PerBlockOf(cfg.GroupSize),
			OutlierRatio: cfg.SoftmaxOutlierRatio,
		}, seqLen),
	}
	if plan.At(fusion.BlockInput).Decision == fusion.StoreCompressed {
		a.inC = op.NewCompressor(hiddenCfg, cfg.HiddenDim)
	}
	if plan.At(fusion.AttnContext).Decision == fusion.StoreCompressed {
		a.ctxC = op.NewCompressor(hiddenCfg, cfg.HiddenDim)
	}
	return a, nil
}

// Stats returns the calibration statistics of every compressor in the
// attention path.
func (a *Attention) Stats() map[string]*calib.Stats {
	m := map[string]*calib.Stats{"attn.probs": a.probs.Stats()}
	if a.inC != nil {
		m["attn.input"] = a.inC.Stats()
	}
	if a.ctxC != nil {
		m["attn.context"] = a.ctxC.Stats()
	}
	return m
}

// SetPhase moves every compressor in the attention path along the phase
// machine.
func (a *Attention) SetPhase(p op.Phase) error {
	if err := a.probs.SetPhase(p); err != nil {
		return err
	}
	if a.inC != nil {
		if err := a.inC.SetPhase(p); err != nil {
			return err
		}
	}
	if a.ctxC != nil {
		if err := a.ctxC.SetPhase(p); err != nil {
			return err
		}
	}
	return nil
}

// Adapters returns the attention path's trainable adapters.
func (a *Attention) Adapters() []*lora.Adapter {
	return []*lora.Adapter{a.q, a.k, a.v, a.out}
}

// Memory returns the retention accounting of the last Forward.
func (a *Attention) Memory() MemoryReport { return a.mem }

func (a *Attention) retain(bd fusion.Boundary, c *op.Compressor, t *tensor.Tensor) (*saved, error) {
	s, err := keep(a.plan.At(bd).Decision, c, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bd, err)
	}
	a.mem.BufferedBytes += s.bytes()
	a.mem.ExactBytes += t.ByteSize()
	return s, nil
}

// Forward runs grouped-query attention over x ([batch, seq, hidden]) and
// retains boundary activations per the plan.
func (a *Attention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	a.mem = MemoryReport{}
	a.done = false
	if len(x.Shape()) != 3 {
		return nil, fmt.Errorf("attention: want 3D [batch, seq, hidden] input, got %v", x.Shape())
	}

	qy, xaQ, err := a.q.Forward(x)
	if err != nil {
		return nil, err
	}
	ky, xaK, err := a.k.Forward(x)
	if err != nil {
		return nil, err
	}
	vy, xaV, err := a.v.Forward(x)
	if err != nil {
		return nil, err
	}

	qh, err := lora.HiddenToHead(qy, a.heads)
	if err != nil {
		return nil, err
	}
	kh, err := lora.HiddenToHead(ky, a.kvHeads)
	if err != nil {
		return nil, err
	}
	vh, err := lora.HiddenToHead(vy, a.kvHeads)
	if err != nil {
		return nil, err
	}

	nRep := a.heads / a.kvHeads
	kRep, err := lora.RepeatKV(kh, nRep)
	if err != nil {
		return nil, err
	}
	vRep, err := lora.RepeatKV(vh, nRep)
	if err != nil {
		return nil, err
	}

	scores, err := headMatNT(qh, kRep, a.scale())
	if err != nil {
		return nil, err
	}
	p, err := a.probs.Forward(scores)
	if err != nil {
		return nil, err
	}
	ctxH, err := headMatNN(p, vRep, 1)
	if err != nil {
		return nil, err
	}
	ctx, err := lora.HeadToHidden(ctxH)
	if err != nil {
		return nil, err
	}
	y, xaOut, err := a.out.Forward(ctx)
	if err != nil {
		return nil, err
	}
	outT, err := tensor.Add(x, y)
	if err != nil {
		return nil, err
	}

	if a.xSaved, err = a.retain(fusion.BlockInput, a.inC, x); err != nil {
		return nil, err
	}
	if a.qhSaved, err = a.retain(fusion.AttnQuery, nil, qh); err != nil {
		return nil, err
	}
	if a.khSaved, err = a.retain(fusion.AttnKey, nil, kh); err != nil {
		return nil, err
	}
	if a.vhSaved, err = a.retain(fusion.AttnValue, nil, vh); err != nil {
		return nil, err
	}
	if a.ctxSaved, err = a.retain(fusion.AttnContext, a.ctxC, ctx); err != nil {
		return nil, err
	}
	if a.xaQSaved, err = a.retain(fusion.LoraQKV, nil, xaQ); err != nil {
		return nil, err
	}
	if a.xaKSaved, err = a.retain(fusion.LoraQKV, nil, xaK); err != nil {
		return nil, err
	}
	if a.xaVSaved, err = a.retain(fusion.LoraQKV, nil, xaV); err != nil {
		return nil, err
	}
	if a.xaOutSaved, err = a.retain(fusion.LoraAttnOut, nil, xaOut); err != nil {
		return nil, err
	}

	// The softmax wrapper buffers the attention map itself.
	a.mem.BufferedBytes += a.probs.BufferedBytes()
	a.mem.ExactBytes += p.ByteSize()
	a.mem.finish()

	return outT, nil
}

// Backward consumes the retained activations, recomputing the projections
// when the plan discarded them, and propagates the gradient back through
// the attention path.
func (a *Attention) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	if a.done {
		return nil, op.ErrConsumed
	}
	a.done = true
	ctx, err := use(&a.ctxSaved)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fusion.AttnContext, err)
	}
	var xaOut *tensor.Tensor
	if a.plan.At(fusion.LoraAttnOut).Decision == fusion.Recompute {
		if xaOut, err = a.out.Recompute(ctx); err != nil {
			return nil, err
		}
	} else if xaOut, err = use(&a.xaOutSaved); err != nil {
		return nil, fmt.Errorf("%s: %w", fusion.LoraAttnOut, err)
	}

	dCtx, err := a.out.Backward(ctx, xaOut, dy)
	if err != nil {
		return nil, err
	}
	dCtxH, err := lora.HiddenToHead(dCtx, a.heads)
	if err != nil {
		return nil, err
	}

	x, err := use(&a.xSaved)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fusion.BlockInput, err)
	}

	var qh, kh, vh, xaQ, xaK, xaV *tensor.Tensor
	if a.plan.At(fusion.AttnQuery).Decision == fusion.Recompute {
		qy, xq, err := a.q.Forward(x)
		if err != nil {
			return nil, err
		}
		ky, xk, err := a.k.Forward(x)
		if err != nil {
			return nil, err
		}
		vy, xv, err := a.v.Forward(x)
		if err != nil {
			return nil, err
		}
		xaQ, xaK, xaV = xq, xk, xv
		if qh, err = lora.HiddenToHead(qy, a.heads); err != nil {
			return nil, err
		}
		if kh, err = lora.HiddenToHead(ky, a.kvHeads); err != nil {
			return nil, err
		}
		if vh, err = lora.HiddenToHead(vy, a.kvHeads); err != nil {
			return nil, err
		}
	} else {
		if qh, err = use(&a.qhSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.AttnQuery, err)
		}
		if kh, err = use(&a.khSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.AttnKey, err)
		}
		if vh, err = use(&a.vhSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.AttnValue, err)
		}
		if xaQ, err = use(&a.xaQSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.LoraQKV, err)
		}
		if xaK, err = use(&a.xaKSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.LoraQKV, err)
		}
		if xaV, err = use(&a.xaVSaved); err != nil {
			return nil, fmt.Errorf("%s: %w", fusion.LoraQKV, err)
		}
	}

	nRep := a.heads / a.kvHeads
	kRep, err := lora.RepeatKV(kh, nRep)
	if err != nil {
		return nil, err
	}
	vRep, err := lora.RepeatKV(vh, nRep)
	if err != nil {
		return nil, err
	}

	dP, err := headMatNT(dCtxH, vRep, 1)
	if err != nil {
		return nil, err
	}
	dScores, p, err := a.probs.BackwardWithProbs(dP)
	if err != nil {
		return nil, err
	}
	dVRep, err := headMatTN(p, dCtxH, 1)
	if err != nil {
		return nil, err
	}
	dQh, err := headMatNN(dScores, kRep, a.scale())
	if err != nil {
		return nil, err
	}
	dKRep, err := headMatTN(dScores, qh, a.scale())
	if err != nil {
		return nil, err
	}

	dKh, err := lora.RepeatKVBackward(dKRep, nRep)
	if err != nil {
		return nil, err
	}
	dVh, err := lora.RepeatKVBackward(dVRep, nRep)
	if err != nil {
		return nil, err
	}

	dQ, err := lora.HeadToHidden(dQh)
	if err != nil {
		return nil, err
	}
	dK, err := lora.HeadToHidden(dKh)
	if err != nil {
		return nil, err
	}
	dV, err := lora.HeadToHidden(dVh)
	if err != nil {
		return nil, err
	}

	dx, err := a.q.Backward(x, xaQ, dQ)
	if err != nil {
		return nil, err
	}
	dx2, err := a.k.Backward(x, xaK, dK)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(dx, dx2); err != nil {
		return nil, err
	}
	dx3, err := a.v.Backward(x, xaV, dV)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(dx, dx3); err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(dx, dy); err != nil { // residual
		return nil, err
	}
	return dx, nil
}

func (a *Attention) scale() float32 {
	return float32(1 / math.Sqrt(float64(a.headDim)))
}
