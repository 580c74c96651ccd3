// Package fusion implements the inter-operator scheduler: the static,
// per-layer-type decision of which boundary activations are stored
// compressed and which are discarded and recomputed during backward from a
// cheaper retained tensor through the low-rank adapter path.
//
// A Plan is built once when a layer is wrapped and reused for every
// forward/backward call; it never changes per batch. An unsatisfiable plan
// (a recompute source that is itself not retained) is rejected at build
// time, before any training iteration runs.
package fusion

import (
	"errors"
	"fmt"
)

// ErrInvalidFusionPlan reports a plan whose recompute decisions cannot be
// satisfied from retained activations.
var ErrInvalidFusionPlan = errors.New("invalid fusion plan")

// Kind selects the compression aggressiveness of a wrapped layer.
type Kind int

// Layer kinds.
const (
	Baseline Kind = iota
	Intra
	IntraInter
	IntraInterFullFuse
)

// kindNames maps configuration strings to kinds.
var kindNames = map[string]Kind{
	"baseline":              Baseline,
	"intra":                 Intra,
	"intra_inter":           IntraInter,
	"intra_inter_full_fuse": IntraInterFullFuse,
}

// ParseKind parses a layer_type configuration string.
func ParseKind(s string) (Kind, error) {
	k, ok := kindNames[s]
	if !ok {
		return 0, fmt.Errorf("unknown layer type %q", s)
	}
	return k, nil
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fused reports whether the kind folds the adapter projection, activation
// and Hadamard product into a single recompute pass.
func (k Kind) Fused() bool {
	return k == IntraInterFullFuse
}

// Decision is what happens to one boundary activation after the forward
// pass.
type Decision int

// Decisions.
const (
	// StoreExact keeps the full-precision tensor.
	StoreExact Decision = iota
	// StoreCompressed keeps a quantized payload plus outlier record.
	StoreCompressed
	// Recompute discards the tensor; backward re-derives it from the
	// retained Source activation.
	Recompute
)

// String returns a human-readable decision name.
func (d Decision) String() string {
	switch d {
	case StoreExact:
		return "store-exact"
	case StoreCompressed:
		return "store-compressed"
	case Recompute:
		return "recompute"
	default:
		return "unknown"
	}
}

// Boundary identifies one activation crossing an operator boundary inside a
// wrapped layer.
type Boundary int

// Boundaries of the wrapped MLP and attention paths.
const (
	// BlockInput is the layer input (the normalization operator's input in
	// the MLP path, the raw input in the attention path).
	BlockInput Boundary = iota
	// NormOut is the normalized hidden state feeding the adapters.
	NormOut
	// GateProj is the gate projection output, the activation function's
	// input.
	GateProj
	// UpProj is the up projection output.
	UpProj
	// ActOut is the activation function output.
	ActOut
	// GateHadamard is the elementwise product of ActOut and UpProj, the
	// down projection's input.
	GateHadamard
	// LoraGate, LoraUp, LoraDown are the low-rank intermediate
	// projections (xA) of the respective adapters.
	LoraGate
	LoraUp
	LoraDown
	// AttnQuery, AttnKey, AttnValue are the attention projections.
	AttnQuery
	AttnKey
	AttnValue
	// AttnProbs is the softmax attention map.
	AttnProbs
	// AttnContext is the merged attention output, the output projection's
	// input.
	AttnContext
	// LoraQKV covers the low-rank intermediates of the q/k/v adapters;
	// LoraAttnOut the output projection's.
	LoraQKV
	LoraAttnOut

	NumBoundaries
)

var boundaryNames = [NumBoundaries]string{
	"block_input", "norm_out", "gate_proj", "up_proj", "act_out",
	"gate_hadamard", "lora_gate", "lora_up", "lora_down",
	"attn_query", "attn_key", "attn_value", "attn_probs", "attn_context",
	"lora_qkv", "lora_attn_out",
}

// String returns the boundary's name.
func (b Boundary) String() string {
	if b >= 0 && b < NumBoundaries {
		return boundaryNames[b]
	}
	return fmt.Sprintf("boundary(%d)", int(b))
}

// Step is the plan entry for one boundary. Source is meaningful only when
// Decision is Recompute.
type Step struct {
	Decision Decision
	Source   Boundary
}

// Plan is the static tagged-variant table mapping every boundary to its
// decision. Built once per layer-type configuration, reused across all
// forward/backward calls.
type Plan struct {
	Kind  Kind
	Steps [NumBoundaries]Step
}

// Build constructs and validates the canonical plan for a layer kind.
func Build(kind Kind) (*Plan, error) {
	p := &Plan{Kind: kind}

	// Default: everything stored exact.
	for b := Boundary(0); b < NumBoundaries; b++ {
		p.Steps[b] = Step{Decision: StoreExact}
	}

	if kind == Baseline {
		return p, p.Validate()
	}

	// Intra and up: operator-internal tensors go through the codec.
	p.Steps[BlockInput] = Step{Decision: StoreCompressed}
	p.Steps[GateProj] = Step{Decision: StoreCompressed}
	p.Steps[AttnProbs] = Step{Decision: StoreCompressed}

	if kind == Intra {
		return p, p.Validate()
	}

	// Inter: boundary activations are either compressed or recomputed from
	// a retained upstream tensor through the adapter path. The projection→
	// activation→Hadamard region is re-derived entirely from the normalized
	// hidden state, so the intra-level gate projection buffer is dropped
	// too. Both inter kinds retain the same set of activations; full_fuse
	// differs only in executing the recompute and its gradients as a single
	// pass instead of materializing each sub-operator boundary.
	p.Steps[NormOut] = Step{Decision: StoreCompressed}
	p.Steps[GateProj] = Step{Decision: Recompute, Source: NormOut}
	p.Steps[UpProj] = Step{Decision: Recompute, Source: NormOut}
	p.Steps[ActOut] = Step{Decision: Recompute, Source: NormOut}
	p.Steps[LoraGate] = Step{Decision: Recompute, Source: NormOut}
	p.Steps[LoraUp] = Step{Decision: Recompute, Source: NormOut}
	p.Steps[AttnQuery] = Step{Decision: Recompute, Source: BlockInput}
	p.Steps[AttnKey] = Step{Decision: Recompute, Source: BlockInput}
	p.Steps[AttnValue] = Step{Decision: Recompute, Source: BlockInput}
	p.Steps[LoraQKV] = Step{Decision: Recompute, Source: BlockInput}
	p.Steps[AttnContext] = Step{Decision: StoreCompressed}
	p.Steps[LoraAttnOut] = Step{Decision: Recompute, Source: AttnContext}

	p.Steps[GateHadamard] = Step{Decision: Recompute, Source: NormOut}
	p.Steps[LoraDown] = Step{Decision: Recompute, Source: NormOut}

	return p, p.Validate()
}

// Validate checks that every recompute decision has a retained source.
// Chained recomputation is rejected: a source must itself be stored.
func (p *Plan) Validate() error {
	for b := Boundary(0); b < NumBoundaries; b++ {
		step := p.Steps[b]
		if step.Decision != Recompute {
			continue
		}
		if step.Source < 0 || step.Source >= NumBoundaries {
			return fmt.Errorf("%w: %s recomputes from unknown boundary %d",
				ErrInvalidFusionPlan, b, int(step.Source))
		}
		src := p.Steps[step.Source]
		if src.Decision == Recompute {
			return fmt.Errorf("%w: %s recomputes from %s, which is itself discarded",
				ErrInvalidFusionPlan, b, step.Source)
		}
	}
	return nil
}

// At returns the plan entry for a boundary.
func (p *Plan) At(b Boundary) Step {
	return p.Steps[b]
}
