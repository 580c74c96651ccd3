// Package outlier identifies and separately stores activation elements whose
// magnitude would otherwise dominate quantization error.
//
// Elements are ranked by absolute deviation from the calibrated expected
// range midpoint of their channel (plain magnitude when no calibration is
// available); the top ratio-fraction by count is extracted at full
// precision and replaced in the residual with an in-range value, so the
// residual quantizes tightly. Reinsertion after decoding restores the
// extracted positions exactly.
package outlier

import (
	"fmt"
	"sort"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// Bounds supplies calibrated per-channel expected ranges.
// *calib.Stats implements it.
type Bounds interface {
	// Bounds returns the expected (lo, hi) range for a channel.
	// ok is false when the channel has no calibrated range yet.
	Bounds(channel int) (lo, hi float32, ok bool)
}

// Record holds the extracted outliers of one tensor: flat indices and the
// exact original values. Indices are sorted ascending.
type Record struct {
	Indices []int32
	Values  []float32
}

// Len returns the number of stored outliers.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Indices)
}

// ByteSize returns the memory footprint of the record.
func (r *Record) ByteSize() int {
	if r == nil {
		return 0
	}
	return 4*len(r.Indices) + 4*len(r.Values)
}

// Extract removes the top ratio-fraction of elements by deviation score and
// returns them as a Record together with the residual tensor. bounds may be
// nil, in which case plain magnitude ranks the elements and zero is the
// in-range replacement.
func Extract(t *tensor.Tensor, ratio float64, bounds Bounds) (*Record, *tensor.Tensor, error) {
	if ratio < 0 || ratio >= 1 {
		return nil, nil, fmt.Errorf("outlier ratio must be in [0,1), got %g", ratio)
	}

	data := t.Data()
	n := len(data)
	k := int(ratio * float64(n))
	residual := t.Clone()
	if k == 0 {
		return &Record{}, residual, nil
	}

	_, cols := t.Shape().Rows()
	mid := channelMidpoints(cols, bounds)

	// Rank by |x - mid(channel)|.
	scores := make([]float32, n)
	for i, v := range data {
		d := v - mid[i%cols]
		if d < 0 {
			d = -d
		}
		scores[i] = d
	}
	idx := make([]int32, n)
	for i := range idx {
		idx[i] = int32(i)
	}
	sort.Slice(idx, func(a, b int) bool {
		sa, sb := scores[idx[a]], scores[idx[b]]
		if sa != sb {
			return sa > sb
		}
		return idx[a] < idx[b] // deterministic tie-break
	})

	rec := &Record{
		Indices: make([]int32, k),
		Values:  make([]float32, k),
	}
	copy(rec.Indices, idx[:k])
	sort.Slice(rec.Indices, func(a, b int) bool { return rec.Indices[a] < rec.Indices[b] })

	res := residual.Data()
	for i, flat := range rec.Indices {
		rec.Values[i] = res[flat]
		res[flat] = mid[int(flat)%cols]
	}
	return rec, residual, nil
}

// Reinsert overwrites the extracted positions of residual with the stored
// exact values. The result equals the original tensor exactly at the
// outlier positions.
func Reinsert(residual *tensor.Tensor, rec *Record) (*tensor.Tensor, error) {
	out := residual.Clone()
	if rec.Len() == 0 {
		return out, nil
	}
	data := out.Data()
	for i, flat := range rec.Indices {
		if int(flat) >= len(data) {
			return nil, fmt.Errorf("outlier index %d out of range for %d elements", flat, len(data))
		}
		data[flat] = rec.Values[i]
	}
	return out, nil
}

// channelMidpoints builds the per-channel expected midpoints, zero for
// channels without calibrated bounds.
func channelMidpoints(cols int, bounds Bounds) []float32 {
	mid := make([]float32, cols)
	if bounds == nil {
		return mid
	}
	for c := 0; c < cols; c++ {
		if lo, hi, ok := bounds.Bounds(c); ok {
			mid[c] = (lo + hi) / 2
		}
	}
	return mid
}
