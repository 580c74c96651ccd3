package engine

import (
	"fmt"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Per-head batched matrix products over [batch, heads, ·, ·] tensors. The
// head loop is cheap relative to the inner products, so these stay serial;
// the row-parallel kernels live in the tensor package.

func headMatDims(a, b *tensor.Tensor) (batch, heads int, err error) {
	as, bs := a.Shape(), b.Shape()
	if len(as) != 4 || len(bs) != 4 {
		return 0, 0, fmt.Errorf("per-head matmul: want 4D operands, got %v and %v", as, bs)
	}
	if as[0] != bs[0] || as[1] != bs[1] {
		return 0, 0, fmt.Errorf("per-head matmul: batch/head mismatch %v vs %v", as, bs)
	}
	return as[0], as[1], nil
}

// headMatNN computes a @ b per head: a [b,h,m,k] @ b [b,h,k,n] → [b,h,m,n],
// scaled.
func headMatNN(a, b *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	batch, heads, err := headMatDims(a, b)
	if err != nil {
		return nil, err
	}
	as, bs := a.Shape(), b.Shape()
	m, k, n := as[2], as[3], bs[3]
	if bs[2] != k {
		return nil, fmt.Errorf("per-head matmul: inner dim %d vs %d", k, bs[2])
	}

	out := tensor.Zeros(tensor.Shape{batch, heads, m, n})
	ad, bd, od := a.Data(), b.Data(), out.Data()
	for bh := 0; bh < batch*heads; bh++ {
		ao, bo, oo := bh*m*k, bh*k*n, bh*m*n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for t := 0; t < k; t++ {
					sum += ad[ao+i*k+t] * bd[bo+t*n+j]
				}
				od[oo+i*n+j] = sum * scale
			}
		}
	}
	return out, nil
}

// headMatNT computes a @ bᵀ per head: a [b,h,m,k] @ b [b,h,n,k] →
// [b,h,m,n], scaled.
func headMatNT(a, b *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	batch, heads, err := headMatDims(a, b)
	if err != nil {
		return nil, err
	}
	as, bs := a.Shape(), b.Shape()
	m, k, n := as[2], as[3], bs[2]
	if bs[3] != k {
		return nil, fmt.Errorf("per-head matmul: inner dim %d vs %d", k, bs[3])
	}

	out := tensor.Zeros(tensor.Shape{batch, heads, m, n})
	ad, bd, od := a.Data(), b.Data(), out.Data()
	for bh := 0; bh < batch*heads; bh++ {
		ao, bo, oo := bh*m*k, bh*n*k, bh*m*n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for t := 0; t < k; t++ {
					sum += ad[ao+i*k+t] * bd[bo+j*k+t]
				}
				od[oo+i*n+j] = sum * scale
			}
		}
	}
	return out, nil
}

// headMatTN computes aᵀ @ b per head: a [b,h,k,m], b [b,h,k,n] →
// [b,h,m,n], scaled.
func headMatTN(a, b *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	batch, heads, err := headMatDims(a, b)
	if err != nil {
		return nil, err
	}
	as, bs := a.Shape(), b.Shape()
	k, m, n := as[2], as[3], bs[3]
	if bs[2] != k {
		return nil, fmt.Errorf("per-head matmul: inner dim %d vs %d", k, bs[2])
	}

	out := tensor.Zeros(tensor.Shape{batch, heads, m, n})
	ad, bd, od := a.Data(), b.Data(), out.Data()
	for bh := 0; bh < batch*heads; bh++ {
		ao, bo, oo := bh*k*m, bh*k*n, bh*m*n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for t := 0; t < k; t++ {
					sum += ad[ao+t*m+i] * bd[bo+t*n+j]
				}
				od[oo+i*n+j] = sum * scale
			}
		}
	}
	return out, nil
}
