package tensor

import (
	"fmt"

	"github.com/hyclora-ml/hyclora/internal/parallel"
)

// Add returns a + b element-wise.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.shape.Equal(b.shape) {
		return nil, fmt.Errorf("add: shape mismatch %v vs %v", a.shape, b.shape)
	}
	out := Zeros(a.shape)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out, nil
}

// Mul returns a * b element-wise (Hadamard product).
func Mul(a, b *Tensor) (*Tensor, error) {
	if !a.shape.Equal(b.shape) {
		return nil, fmt.Errorf("mul: shape mismatch %v vs %v", a.shape, b.shape)
	}
	out := Zeros(a.shape)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out, nil
}

// Scale returns a * s element-wise.
func Scale(a *Tensor, s float32) *Tensor {
	out := Zeros(a.shape)
	for i := range out.data {
		out.data[i] = a.data[i] * s
	}
	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) error {
	if !a.shape.Equal(b.shape) {
		return fmt.Errorf("add: shape mismatch %v vs %v", a.shape, b.shape)
	}
	for i := range a.data {
		a.data[i] += b.data[i]
	}
	return nil
}

// MatMul computes a @ b where a is treated as [M, K] (leading dims
// collapsed) and b is [K, N]. The result keeps a's leading dims with the
// last dim replaced by N.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(b.shape) != 2 {
		return nil, fmt.Errorf("matmul: rhs must be 2D, got %v", b.shape)
	}
	m, k := a.shape.Rows()
	if k != b.shape[0] {
		return nil, fmt.Errorf("matmul: inner dims differ: %v @ %v", a.shape, b.shape)
	}
	n := b.shape[1]

	outShape := a.shape.Clone()
	outShape[len(outShape)-1] = n
	out := Zeros(outShape)

	ad, bd, od := a.data, b.data, out.data
	parallel.For(m, func(i int) {
		rowA := ad[i*k : (i+1)*k]
		rowO := od[i*n : (i+1)*n]
		for p, av := range rowA {
			if av == 0 {
				continue
			}
			rowB := bd[p*n : (p+1)*n]
			for j := range rowO {
				rowO[j] += av * rowB[j]
			}
		}
	}, parallel.DefaultConfig())
	return out, nil
}

// MatMulT1 computes aᵀ @ b where a is [M, K] and b is [M, N], giving [K, N].
// Used for weight gradients: dW = xᵀ @ dy.
func MatMulT1(a, b *Tensor) (*Tensor, error) {
	m, k := a.shape.Rows()
	mb, n := b.shape.Rows()
	if m != mb {
		return nil, fmt.Errorf("matmulT1: row counts differ: %v vs %v", a.shape, b.shape)
	}
	out := Zeros(Shape{k, n})
	ad, bd, od := a.data, b.data, out.data
	// Parallel over output rows keeps accumulation race-free.
	parallel.For(k, func(p int) {
		rowO := od[p*n : (p+1)*n]
		for i := 0; i < m; i++ {
			av := ad[i*k+p]
			if av == 0 {
				continue
			}
			rowB := bd[i*n : (i+1)*n]
			for j := range rowO {
				rowO[j] += av * rowB[j]
			}
		}
	}, parallel.DefaultConfig())
	return out, nil
}

// MatMulT2 computes a @ bᵀ where a is treated as [M, N] and b is [K, N],
// giving [M, K]. Used for input gradients: dx = dy @ Wᵀ.
func MatMulT2(a, b *Tensor) (*Tensor, error) {
	if len(b.shape) != 2 {
		return nil, fmt.Errorf("matmulT2: rhs must be 2D, got %v", b.shape)
	}
	m, n := a.shape.Rows()
	if n != b.shape[1] {
		return nil, fmt.Errorf("matmulT2: inner dims differ: %v @ %vᵀ", a.shape, b.shape)
	}
	k := b.shape[0]

	outShape := a.shape.Clone()
	outShape[len(outShape)-1] = k
	out := Zeros(outShape)

	ad, bd, od := a.data, b.data, out.data
	parallel.For(m, func(i int) {
		rowA := ad[i*n : (i+1)*n]
		rowO := od[i*k : (i+1)*k]
		for p := 0; p < k; p++ {
			rowB := bd[p*n : (p+1)*n]
			var sum float32
			for j := range rowA {
				sum += rowA[j] * rowB[j]
			}
			rowO[p] = sum
		}
	}, parallel.DefaultConfig())
	return out, nil
}

// MaxAbsDiff returns the largest absolute element-wise difference.
func MaxAbsDiff(a, b *Tensor) (float32, error) {
	if !a.shape.Equal(b.shape) {
		return 0, fmt.Errorf("maxabsdiff: shape mismatch %v vs %v", a.shape, b.shape)
	}
	var maxDiff float32
	for i := range a.data {
		d := a.data[i] - b.data[i]
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, nil
}
