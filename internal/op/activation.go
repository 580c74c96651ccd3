package op

import (
	"fmt"
	"math"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// SiLU wraps the SiLU (Swish) activation y = x * sigmoid(x). The backward
// pass needs the pre-activation input, which Forward buffers compressed.
//
// Derivative: dy/dx = sigmoid(x) * (1 + x*(1 - sigmoid(x))).
type SiLU struct {
	compressor
	buf      *Buffer
	consumed bool
}

// NewSiLU creates a SiLU wrapper for inputs whose last dimension has the
// given size.
func NewSiLU(cfg Config, channels int) *SiLU {
	return &SiLU{compressor: newCompressor(cfg, channels)}
}

// Forward applies SiLU and buffers the input.
func (s *SiLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.Zeros(x.Shape())
	in, y := x.Data(), out.Data()
	for i, v := range in {
		y[i] = v * sigmoid(v)
	}
	buf, err := s.stash(x)
	if err != nil {
		return nil, fmt.Errorf("silu: %w", err)
	}
	s.buf, s.consumed = buf, false
	return out, nil
}

// Backward restores the buffered input and computes the input gradient.
func (s *SiLU) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	buf, err := take(&s.buf, &s.consumed)
	if err != nil {
		return nil, fmt.Errorf("silu: %w", err)
	}
	x, err := restore(buf)
	if err != nil {
		return nil, fmt.Errorf("silu: %w", err)
	}
	if !x.Shape().Equal(dy.Shape()) {
		return nil, fmt.Errorf("silu: gradient shape %v does not match activation %v",
			dy.Shape(), x.Shape())
	}
	dx := tensor.Zeros(dy.Shape())
	in, g, out := x.Data(), dy.Data(), dx.Data()
	for i, v := range in {
		sg := sigmoid(v)
		out[i] = g[i] * sg * (1 + v*(1-sg))
	}
	return dx, nil
}

// GELU wraps the GELU activation (tanh approximation):
//
//	y = 0.5x * (1 + tanh(√(2/π) * (x + 0.044715x³)))
type GELU struct {
	compressor
	buf      *Buffer
	consumed bool
}

// NewGELU creates a GELU wrapper for inputs whose last dimension has the
// given size.
func NewGELU(cfg Config, channels int) *GELU {
	return &GELU{compressor: newCompressor(cfg, channels)}
}

const (
	geluSqrt2OverPi = 0.7978845608028654
	geluCoeff       = 0.044715
)

// Forward applies GELU and buffers the input.
func (g *GELU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.Zeros(x.Shape())
	in, y := x.Data(), out.Data()
	for i, v := range in {
		u := geluSqrt2OverPi * (float64(v) + geluCoeff*float64(v)*float64(v)*float64(v))
		y[i] = 0.5 * v * float32(1+math.Tanh(u))
	}
	buf, err := g.stash(x)
	if err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	g.buf, g.consumed = buf, false
	return out, nil
}

// Backward restores the buffered input and computes the input gradient.
func (g *GELU) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	buf, err := take(&g.buf, &g.consumed)
	if err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	x, err := restore(buf)
	if err != nil {
		return nil, fmt.Errorf("gelu: %w", err)
	}
	if !x.Shape().Equal(dy.Shape()) {
		return nil, fmt.Errorf("gelu: gradient shape %v does not match activation %v",
			dy.Shape(), x.Shape())
	}
	dx := tensor.Zeros(dy.Shape())
	in, gr, out := x.Data(), dy.Data(), dx.Data()
	for i, v := range in {
		fv := float64(v)
		u := geluSqrt2OverPi * (fv + geluCoeff*fv*fv*fv)
		th := math.Tanh(u)
		du := geluSqrt2OverPi * (1 + 3*geluCoeff*fv*fv)
		deriv := 0.5*(1+th) + 0.5*fv*(1-th*th)*du
		out[i] = gr[i] * float32(deriv)
	}
	return dx, nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(float64(-x))))
}

// BufferedBytes reports the bytes currently retained for backward.
func (s *SiLU) BufferedBytes() int { return s.buf.ByteSize() }

// BufferedBytes reports the bytes currently retained for backward.
func (g *GELU) BufferedBytes() int { return g.buf.ByteSize() }

// Silu applies x·sigmoid(x) without buffering, for recompute paths that
// re-derive the activation from a retained upstream tensor.
func Silu(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.Zeros(x.Shape())
	in, y := x.Data(), out.Data()
	for i, v := range in {
		y[i] = v * sigmoid(v)
	}
	return out
}

// SiluGrad scales dy by the activation derivative at x.
func SiluGrad(x, dy *tensor.Tensor) (*tensor.Tensor, error) {
	if !x.Shape().Equal(dy.Shape()) {
		return nil, fmt.Errorf("silu: gradient shape %v does not match activation %v",
			dy.Shape(), x.Shape())
	}
	dx := tensor.Zeros(dy.Shape())
	in, g, out := x.Data(), dy.Data(), dx.Data()
	for i, v := range in {
		sg := sigmoid(v)
		out[i] = g[i] * sg * (1 + v*(1-sg))
	}
	return dx, nil
}
