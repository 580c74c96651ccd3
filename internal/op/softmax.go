package op

import (
	"fmt"
	"math"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Softmax wraps softmax along the last dimension. The backward pass needs
// the probability map, so Forward buffers it compressed; attention maps are
// exactly the tensors whose outliers the softmax outlier ratio targets.
//
// Backward uses the standard simplification of the softmax Jacobian:
//
//	dx[b,j] = p[b,j] * (dy[b,j] - Σ_i dy[b,i]*p[b,i])
type Softmax struct {
	compressor
	buf      *Buffer
	consumed bool
}

// NewSoftmax creates a softmax wrapper for probability maps whose last
// dimension has the given size.
func NewSoftmax(cfg Config, channels int) *Softmax {
	return &Softmax{compressor: newCompressor(cfg, channels)}
}

// Forward computes row-wise softmax and buffers the probability map.
func (s *Softmax) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols := x.Shape().Rows()
	out := tensor.Zeros(x.Shape())
	in, p := x.Data(), out.Data()

	for r := 0; r < rows; r++ {
		off := r * cols
		maxV := in[off]
		for j := 1; j < cols; j++ {
			if in[off+j] > maxV {
				maxV = in[off+j]
			}
		}
		var sum float32
		for j := 0; j < cols; j++ {
			e := float32(math.Exp(float64(in[off+j] - maxV)))
			p[off+j] = e
			sum += e
		}
		for j := 0; j < cols; j++ {
			p[off+j] /= sum
		}
	}

	buf, err := s.stash(out)
	if err != nil {
		return nil, fmt.Errorf("softmax: %w", err)
	}
	s.buf, s.consumed = buf, false
	return out, nil
}

// Backward restores the buffered probability map and computes the input
// gradient. The buffer is released; calling Backward twice for one Forward
// returns ErrConsumed.
func (s *Softmax) Backward(dy *tensor.Tensor) (*tensor.Tensor, error) {
	dx, _, err := s.BackwardWithProbs(dy)
	return dx, err
}

// BackwardWithProbs is Backward but also hands the restored probability map
// back to the caller. Attention needs the map a second time for the value
// gradient; restoring once here keeps the buffer consume-once.
func (s *Softmax) BackwardWithProbs(dy *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	buf, err := take(&s.buf, &s.consumed)
	if err != nil {
		return nil, nil, fmt.Errorf("softmax: %w", err)
	}
	probs, err := restore(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("softmax: %w", err)
	}
	if !probs.Shape().Equal(dy.Shape()) {
		return nil, nil, fmt.Errorf("softmax: gradient shape %v does not match activation %v",
			dy.Shape(), probs.Shape())
	}

	rows, cols := dy.Shape().Rows()
	dx := tensor.Zeros(dy.Shape())
	p, g, out := probs.Data(), dy.Data(), dx.Data()

	for r := 0; r < rows; r++ {
		off := r * cols
		var dot float32
		for j := 0; j < cols; j++ {
			dot += g[off+j] * p[off+j]
		}
		for j := 0; j < cols; j++ {
			out[off+j] = p[off+j] * (g[off+j] - dot)
		}
	}
	return dx, probs, nil
}

// BufferedBytes reports the bytes currently retained for backward.
func (s *Softmax) BufferedBytes() int { return s.buf.ByteSize() }
