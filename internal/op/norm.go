package op

import (
	"fmt"

	"math"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// RMSNorm wraps root-mean-square normalization over the last dimension:
//
//	y = x / sqrt(mean(x²) + eps) * gamma
//
// The backward pass needs the input and the per-row reciprocal standard
// deviation. The rstd vector is one float per row and is kept exact; the
// input is buffered compressed.
//
// Backward (with x̂ = x*rstd, wdy = gamma*dy):
//
//	dx    = (wdy - (x̂*c1 + c2)) * rstd,  c1 = mean(x̂*wdy), c2 = mean(wdy)
//	dγ   += Σ_rows dy * x̂
type RMSNorm struct {
	compressor
	Gamma     *tensor.Tensor // learnable scale [d]
	GradGamma *tensor.Tensor
	Eps       float32

	buf      *Buffer
	rstd     []float32
	consumed bool
}

// NewRMSNorm creates an RMSNorm wrapper for feature dimension d.
// Gamma is initialized to ones.
func NewRMSNorm(cfg Config, d int, eps float32) *RMSNorm {
	return &RMSNorm{
		compressor: newCompressor(cfg, d),
		Gamma:      tensor.Ones(tensor.Shape{d}),
		GradGamma:  tensor.Zeros(tensor.Shape{d}),
		Eps:        eps,
	}
}

// Forward normalizes x and buffers it (compressed once calibrated) along
// with the exact per-row rstd.
func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols := x.Shape().Rows()
	if cols != n.Gamma.NumElements() {
		return nil, fmt.Errorf("rmsnorm: feature dim %d does not match gamma %d",
			cols, n.Gamma.NumElements())
	}

	out := tensor.Zeros(x.Shape())
	in, y, gamma := x.Data(), out.Data(), n.Gamma.Data()
	rstd := make([]float32, rows)

	for r := 0; r < rows; r++ {
		off := r * cols
		var sumSq float32
		for j := 0; j < cols; j++ {
			v := in[off+j]
			sumSq += v * v
		}
		rs := float32(1 / math.Sqrt(float64(sumSq/float32(cols)+n.Eps)))
		rstd[r] = rs
		for j := 0; j < cols; j++ {
			y[off+j] = in[off+j] * rs * gamma[j]
		}
	}

	buf, err := n.stash(x)
	if err != nil {
		return nil, fmt.Errorf("rmsnorm: %w", err)
	}
	n.buf, n.rstd, n.consumed = buf, rstd, false
	return out, nil
}

// Backward restores the buffered input and computes the input gradient,
// accumulating the gamma gradient.
func (n *RMSNorm) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	buf, err := take(&n.buf, &n.consumed)
	if err != nil {
		return nil, fmt.Errorf("rmsnorm: %w", err)
	}
	x, err := restore(buf)
	if err != nil {
		return nil, fmt.Errorf("rmsnorm: %w", err)
	}
	if !x.Shape().Equal(dy.Shape()) {
		return nil, fmt.Errorf("rmsnorm: gradient shape %v does not match activation %v",
			dy.Shape(), x.Shape())
	}

	rows, cols := dy.Shape().Rows()
	dx := tensor.Zeros(dy.Shape())
	in, g, out := x.Data(), dy.Data(), dx.Data()
	gamma, dgamma := n.Gamma.Data(), n.GradGamma.Data()
	rstd := n.rstd
	n.rstd = nil

	for r := 0; r < rows; r++ {
		off := r * cols
		rs := rstd[r]
		var c1, c2 float32
		for j := 0; j < cols; j++ {
			xhat := in[off+j] * rs
			wdy := gamma[j] * g[off+j]
			c1 += xhat * wdy
			c2 += wdy
		}
		c1 /= float32(cols)
		c2 /= float32(cols)
		for j := 0; j < cols; j++ {
			xhat := in[off+j] * rs
			wdy := gamma[j] * g[off+j]
			out[off+j] = (wdy - (xhat*c1 + c2)) * rs
			dgamma[j] += g[off+j] * xhat
		}
	}
	return dx, nil
}

// LayerNorm wraps layer normalization over the last dimension:
//
//	y = (x - mean) / sqrt(var + eps) * gamma + beta
//
// Per-row mean and rstd are kept exact; the input is buffered compressed.
type LayerNorm struct {
	compressor
	Gamma     *tensor.Tensor
	Beta      *tensor.Tensor
	GradGamma *tensor.Tensor
	GradBeta  *tensor.Tensor
	Eps       float32

	buf      *Buffer
	mean     []float32
	rstd     []float32
	consumed bool
}

// NewLayerNorm creates a LayerNorm wrapper for feature dimension d.
func NewLayerNorm(cfg Config, d int, eps float32) *LayerNorm {
	return &LayerNorm{
		compressor: newCompressor(cfg, d),
		Gamma:      tensor.Ones(tensor.Shape{d}),
		Beta:       tensor.Zeros(tensor.Shape{d}),
		GradGamma:  tensor.Zeros(tensor.Shape{d}),
		GradBeta:   tensor.Zeros(tensor.Shape{d}),
		Eps:        eps,
	}
}

// Forward normalizes x and buffers it with exact per-row mean and rstd.
func (n *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols := x.Shape().Rows()
	if cols != n.Gamma.NumElements() {
		return nil, fmt.Errorf("layernorm: feature dim %d does not match gamma %d",
			cols, n.Gamma.NumElements())
	}

	out := tensor.Zeros(x.Shape())
	in, y := x.Data(), out.Data()
	gamma, beta := n.Gamma.Data(), n.Beta.Data()
	mean := make([]float32, rows)
	rstd := make([]float32, rows)

	for r := 0; r < rows; r++ {
		off := r * cols
		var sum float32
		for j := 0; j < cols; j++ {
			sum += in[off+j]
		}
		m := sum / float32(cols)
		var sumSq float32
		for j := 0; j < cols; j++ {
			d := in[off+j] - m
			sumSq += d * d
		}
		rs := float32(1 / math.Sqrt(float64(sumSq/float32(cols)+n.Eps)))
		mean[r], rstd[r] = m, rs
		for j := 0; j < cols; j++ {
			y[off+j] = (in[off+j]-m)*rs*gamma[j] + beta[j]
		}
	}

	buf, err := n.stash(x)
	if err != nil {
		return nil, fmt.Errorf("layernorm: %w", err)
	}
	n.buf, n.mean, n.rstd, n.consumed = buf, mean, rstd, false
	return out, nil
}

// Backward restores the buffered input and computes the input gradient,
// accumulating gamma and beta gradients.
func (n *LayerNorm) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	buf, err := take(&n.buf, &n.consumed)
	if err != nil {
		return nil, fmt.Errorf("layernorm: %w", err)
	}
	x, err := restore(buf)
	if err != nil {
		return nil, fmt.Errorf("layernorm: %w", err)
	}
	if !x.Shape().Equal(dy.Shape()) {
		return nil, fmt.Errorf("layernorm: gradient shape %v does not match activation %v",
			dy.Shape(), x.Shape())
	}

	rows, cols := dy.Shape().Rows()
	dx := tensor.Zeros(dy.Shape())
	in, g, out := x.Data(), dy.Data(), dx.Data()
	gamma := n.Gamma.Data()
	dgamma, dbeta := n.GradGamma.Data(), n.GradBeta.Data()
	mean, rstd := n.mean, n.rstd
	n.mean, n.rstd = nil, nil

	for r := 0; r < rows; r++ {
		off := r * cols
		m, rs := mean[r], rstd[r]
		var c1, c2 float32
		for j := 0; j < cols; j++ {
			xhat := (in[off+j] - m) * rs
			wdy := gamma[j] * g[off+j]
			c1 += xhat * wdy
			c2 += wdy
		}
		c1 /= float32(cols)
		c2 /= float32(cols)
		for j := 0; j < cols; j++ {
			xhat := (in[off+j] - m) * rs
			wdy := gamma[j] * g[off+j]
			out[off+j] = (wdy - (xhat*c1 + c2)) * rs
			dgamma[j] += g[off+j] * xhat
			dbeta[j] += g[off+j]
		}
	}
	return dx, nil
}

// BufferedBytes reports the bytes currently retained for backward.
func (n *RMSNorm) BufferedBytes() int {
	return n.buf.ByteSize() + 4*len(n.rstd)
}

// BufferedBytes reports the bytes currently retained for backward.
func (n *LayerNorm) BufferedBytes() int {
	return n.buf.ByteSize() + 4*len(n.mean) + 4*len(n.rstd)
}
