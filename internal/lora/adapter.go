// Package lora implements the low-rank adapter path: a frozen base
// projection plus trainable low-rank factors. The adapter gradients are the
// only trainable state in the engine, and the low-rank path is what absorbs
// residual quantization error from compressed activations and what
// recomputation of discarded boundary activations runs through.
package lora

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Adapter is one adapted projection: y = xW + (xA)B with W frozen and A, B
// trainable rank-r factors.
type Adapter struct {
	Name string

	W *tensor.Tensor // frozen base weight [in, out]
	A *tensor.Tensor // down factor [in, r]
	B *tensor.Tensor // up factor [r, out]

	GradA *tensor.Tensor
	GradB *tensor.Tensor
}

// NewAdapter creates an adapter with W and A drawn from scaled normal
// distributions and B zeroed, so the low-rank delta starts at zero.
func NewAdapter(name string, in, out, rank int, rng *rand.Rand) (*Adapter, error) {
	if in <= 0 || out <= 0 || rank <= 0 {
		return nil, fmt.Errorf("adapter %s: dimensions must be positive, got in=%d out=%d rank=%d",
			name, in, out, rank)
	}
	w := tensor.Randn(tensor.Shape{in, out}, rng)
	scaleW := float32(1 / math.Sqrt(float64(in)))
	for i, v := range w.Data() {
		w.Data()[i] = v * scaleW
	}
	a := tensor.Randn(tensor.Shape{in, rank}, rng)
	scaleA := float32(1 / math.Sqrt(float64(rank)))
	for i, v := range a.Data() {
		a.Data()[i] = v * scaleA
	}
	return &Adapter{
		Name:  name,
		W:     w,
		A:     a,
		B:     tensor.Zeros(tensor.Shape{rank, out}),
		GradA: tensor.Zeros(tensor.Shape{in, rank}),
		GradB: tensor.Zeros(tensor.Shape{rank, out}),
	}, nil
}

// In returns the input dimension.
func (a *Adapter) In() int { return a.W.Shape()[0] }

// Out returns the output dimension.
func (a *Adapter) Out() int { return a.W.Shape()[1] }

// Rank returns the adapter rank.
func (a *Adapter) Rank() int { return a.A.Shape()[1] }

// Forward computes y = xW + (xA)B. It returns the intermediate xA
// projection, which the backward pass needs for the B gradient; whether it
// is stored (compressed) or recomputed is the scheduler's decision, not the
// adapter's.
func (a *Adapter) Forward(x *tensor.Tensor) (y, xLoraA *tensor.Tensor, err error) {
	main, err := tensor.MatMul(x, a.W)
	if err != nil {
		return nil, nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	xLoraA, err = tensor.MatMul(x, a.A)
	if err != nil {
		return nil, nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	delta, err := tensor.MatMul(xLoraA, a.B)
	if err != nil {
		return nil, nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	if err := tensor.AddInPlace(main, delta); err != nil {
		return nil, nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	return main, xLoraA, nil
}

// Recompute re-derives the intermediate xA projection from x. Used by the
// scheduler when xLoraA was discarded instead of buffered.
func (a *Adapter) Recompute(x *tensor.Tensor) (*tensor.Tensor, error) {
	xLoraA, err := tensor.MatMul(x, a.A)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: recompute: %w", a.Name, err)
	}
	return xLoraA, nil
}

// Backward accumulates the A and B gradients and returns the input
// gradient:
//
//	gradMedium = dy Bᵀ
//	dA += xᵀ gradMedium
//	dB += xLoraAᵀ dy
//	dx  = dy Wᵀ + gradMedium Aᵀ
func (a *Adapter) Backward(x, xLoraA, dy *tensor.Tensor) (*tensor.Tensor, error) {
	gradMedium, err := tensor.MatMulT2(dy, a.B)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	dA, err := tensor.MatMulT1(x, gradMedium)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	if err := tensor.AddInPlace(a.GradA, dA); err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	dB, err := tensor.MatMulT1(xLoraA, dy)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	if err := tensor.AddInPlace(a.GradB, dB); err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}

	dx, err := tensor.MatMulT2(dy, a.W)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	dxLora, err := tensor.MatMulT2(gradMedium, a.A)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	if err := tensor.AddInPlace(dx, dxLora); err != nil {
		return nil, fmt.Errorf("adapter %s: %w", a.Name, err)
	}
	return dx, nil
}

// ZeroGrad clears the accumulated adapter gradients.
func (a *Adapter) ZeroGrad() {
	clear(a.GradA.Data())
	clear(a.GradB.Data())
}
