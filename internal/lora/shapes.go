package lora

import (
	"fmt"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// HiddenToHead reshapes [batch, seq, hidden] into [batch, heads, seq,
// headDim] for per-head attention math.
func HiddenToHead(x *tensor.Tensor, numHeads int) (*tensor.Tensor, error) {
	s := x.Shape()
	if len(s) != 3 {
		return nil, fmt.Errorf("hidden-to-head: want 3D [batch, seq, hidden], got %v", s)
	}
	batch, seq, hidden := s[0], s[1], s[2]
	if hidden%numHeads != 0 {
		return nil, fmt.Errorf("hidden-to-head: hidden %d not divisible by %d heads", hidden, numHeads)
	}
	headDim := hidden / numHeads

	out := tensor.Zeros(tensor.Shape{batch, numHeads, seq, headDim})
	in, o := x.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for t := 0; t < seq; t++ {
			for h := 0; h < numHeads; h++ {
				src := ((b*seq+t)*numHeads + h) * headDim
				dst := ((b*numHeads+h)*seq + t) * headDim
				copy(o[dst:dst+headDim], in[src:src+headDim])
			}
		}
	}
	return out, nil
}

// HeadToHidden reshapes [batch, heads, seq, headDim] back into
// [batch, seq, hidden].
func HeadToHidden(x *tensor.Tensor) (*tensor.Tensor, error) {
	s := x.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("head-to-hidden: want 4D [batch, heads, seq, headDim], got %v", s)
	}
	batch, heads, seq, headDim := s[0], s[1], s[2], s[3]

	out := tensor.Zeros(tensor.Shape{batch, seq, heads * headDim})
	in, o := x.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < seq; t++ {
				src := ((b*heads+h)*seq + t) * headDim
				dst := ((b*seq+t)*heads + h) * headDim
				copy(o[dst:dst+headDim], in[src:src+headDim])
			}
		}
	}
	return out, nil
}

// RepeatKV expands [batch, kvHeads, seq, headDim] to
// [batch, kvHeads*nRep, seq, headDim] by repeating each key/value head, the
// grouped-query attention layout.
func RepeatKV(x *tensor.Tensor, nRep int) (*tensor.Tensor, error) {
	if nRep == 1 {
		return x, nil
	}
	s := x.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("repeat-kv: want 4D [batch, kvHeads, seq, headDim], got %v", s)
	}
	batch, kvHeads, seq, headDim := s[0], s[1], s[2], s[3]

	out := tensor.Zeros(tensor.Shape{batch, kvHeads * nRep, seq, headDim})
	in, o := x.Data(), out.Data()
	headLen := seq * headDim
	for b := 0; b < batch; b++ {
		for h := 0; h < kvHeads; h++ {
			src := (b*kvHeads + h) * headLen
			for r := 0; r < nRep; r++ {
				dst := (b*kvHeads*nRep + h*nRep + r) * headLen
				copy(o[dst:dst+headLen], in[src:src+headLen])
			}
		}
	}
	return out, nil
}

// RepeatKVBackward reduces a gradient of the repeated layout back to
// [batch, kvHeads, seq, headDim] by summing over the repeats.
func RepeatKVBackward(g *tensor.Tensor, nRep int) (*tensor.Tensor, error) {
	if nRep == 1 {
		return g, nil
	}
	s := g.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("repeat-kv backward: want 4D gradient, got %v", s)
	}
	batch, expanded, seq, headDim := s[0], s[1], s[2], s[3]
	if expanded%nRep != 0 {
		return nil, fmt.Errorf("repeat-kv backward: %d heads not divisible by %d repeats", expanded, nRep)
	}
	kvHeads := expanded / nRep

	out := tensor.Zeros(tensor.Shape{batch, kvHeads, seq, headDim})
	in, o := g.Data(), out.Data()
	headLen := seq * headDim
	for b := 0; b < batch; b++ {
		for h := 0; h < kvHeads; h++ {
			dst := (b*kvHeads + h) * headLen
			for r := 0; r < nRep; r++ {
				src := (b*expanded + h*nRep + r) * headLen
				for i := 0; i < headLen; i++ {
					o[dst+i] += in[src+i]
				}
			}
		}
	}
	return out, nil
}
