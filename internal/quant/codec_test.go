package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/hyclora-ml/hyclora/internal/tensor"
)

func randTensor(t *testing.T, shape tensor.Shape, seed int64) *tensor.Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	return tensor.Randn(shape, rng)
}

// TestEncodeRejectsBitWidths checks the supported bit range eagerly.
func TestEncodeRejectsBitWidths(t *testing.T) {
	x := randTensor(t, tensor.Shape{4, 8}, 1)
	for _, bits := range []int{-1, 0, 9, 16} {
		_, err := Encode(x, bits, PerBlockOf(8))
		if !errors.Is(err, ErrUnsupportedBitWidth) {
			t.Errorf("bits=%d: got %v, want ErrUnsupportedBitWidth", bits, err)
		}
	}
	for bits := 1; bits <= 8; bits++ {
		if _, err := Encode(x, bits, PerBlockOf(8)); err != nil {
			t.Errorf("bits=%d: unexpected error %v", bits, err)
		}
	}
}

// TestRoundTripErrorBound verifies the per-element reconstruction error is
// at most half a quantization step for every grouping and bit width.
func TestRoundTripErrorBound(t *testing.T) {
	groupings := map[string]Grouping{
		"per_tensor":  {Kind: PerTensor},
		"per_channel": {Kind: PerChannel},
		"per_block":   PerBlockOf(16),
	}
	for name, g := range groupings {
		for _, bits := range []int{1, 2, 4, 8} {
			x := randTensor(t, tensor.Shape{3, 5, 32}, int64(bits))
			comp, err := Encode(x, bits, g)
			if err != nil {
				t.Fatalf("%s bits=%d: encode: %v", name, bits, err)
			}
			back, err := Decode(comp)
			if err != nil {
				t.Fatalf("%s bits=%d: decode: %v", name, bits, err)
			}
			if !back.Shape().Equal(x.Shape()) {
				t.Fatalf("%s bits=%d: shape %v, want %v", name, bits, back.Shape(), x.Shape())
			}

			lay, err := newLayout(x.Shape(), g, bits)
			if err != nil {
				t.Fatalf("%s bits=%d: layout: %v", name, bits, err)
			}
			xd, bd := x.Data(), back.Data()
			for grp := 0; grp < lay.numGroups; grp++ {
				bound := comp.Scales[grp]/2 + 1e-6
				for j := 0; j < lay.lenAt(grp); j++ {
					i := lay.elemAt(grp, j)
					diff := math.Abs(float64(xd[i] - bd[i]))
					if diff > float64(bound) {
						t.Fatalf("%s bits=%d: element %d error %g exceeds scale/2=%g",
							name, bits, i, diff, bound)
					}
				}
			}
		}
	}
}

// TestEncodeDeterministic: same input, same parameters, same bytes.
func TestEncodeDeterministic(t *testing.T) {
	x := randTensor(t, tensor.Shape{4, 64}, 7)
	a, err := Encode(x, 2, PerBlockOf(32))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(x, 2, PerBlockOf(32))
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Codes) != len(b.Codes) {
		t.Fatalf("code lengths differ: %d vs %d", len(a.Codes), len(b.Codes))
	}
	for i := range a.Codes {
		if a.Codes[i] != b.Codes[i] {
			t.Fatalf("codes differ at byte %d", i)
		}
	}
}

// TestConstantGroup: a constant group has zero scale and reconstructs
// exactly.
func TestConstantGroup(t *testing.T) {
	x := tensor.Full(tensor.Shape{2, 16}, 3.25)
	comp, err := Encode(x, 2, PerBlockOf(16))
	if err != nil {
		t.Fatal(err)
	}
	back, err := Decode(comp)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range back.Data() {
		if v != 3.25 {
			t.Fatalf("element %d: got %g, want 3.25", i, v)
		}
	}
}

// TestOneBit: 1-bit codes snap every element to the group min or max.
func TestOneBit(t *testing.T) {
	x, err := tensor.FromSlice([]float32{-2, -1, 1, 2}, tensor.Shape{4})
	if err != nil {
		t.Fatal(err)
	}
	comp, err := Encode(x, 1, Grouping{Kind: PerTensor})
	if err != nil {
		t.Fatal(err)
	}
	back, err := Decode(comp)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range back.Data() {
		if v != -2 && v != 2 {
			t.Fatalf("element %d: got %g, want -2 or 2", i, v)
		}
	}
}

// TestDecodeValidatesPayload: tampered metadata is a shape mismatch, not a
// panic.
func TestDecodeValidatesPayload(t *testing.T) {
	x := randTensor(t, tensor.Shape{4, 16}, 3)
	comp, err := Encode(x, 4, PerBlockOf(16))
	if err != nil {
		t.Fatal(err)
	}

	truncated := *comp
	truncated.Codes = comp.Codes[:len(comp.Codes)-1]
	if _, err := Decode(&truncated); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("truncated codes: got %v, want ErrShapeMismatch", err)
	}

	missing := *comp
	missing.Scales = comp.Scales[:len(comp.Scales)-1]
	if _, err := Decode(&missing); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("missing scale: got %v, want ErrShapeMismatch", err)
	}
}

// TestPerChannelUsesChannelRanges: a tensor with wildly different channel
// magnitudes keeps small channels accurate under per-channel grouping.
func TestPerChannelUsesChannelRanges(t *testing.T) {
	// Channel 0 in [0, 0.1], channel 1 in [0, 100].
	x, err := tensor.FromSlice([]float32{
		0.0, 0,
		0.05, 50,
		0.1, 100,
	}, tensor.Shape{3, 2})
	if err != nil {
		t.Fatal(err)
	}
	comp, err := Encode(x, 4, Grouping{Kind: PerChannel})
	if err != nil {
		t.Fatal(err)
	}
	back, err := Decode(comp)
	if err != nil {
		t.Fatal(err)
	}
	// Channel 0 step is (0.1-0)/15 ≈ 0.0067, so 0.05 must come back within
	// half of that rather than within half of the channel-1 step (≈3.3).
	got := back.Data()[2]
	if math.Abs(float64(got-0.05)) > 0.0034 {
		t.Fatalf("channel 0 element: got %g, want 0.05 ± 0.0034", got)
	}
}

// TestBitPacking exercises the packing helpers across byte spans.
func TestBitPacking(t *testing.T) {
	for _, bits := range []int{1, 2, 3, 5, 7, 8} {
		buf := make([]byte, 16)
		maxCode := uint16(1<<bits - 1)
		vals := []uint16{0, maxCode, maxCode / 2, 1}
		for i, v := range vals {
			putBits(buf, 0, i*bits, bits, v)
		}
		for i, want := range vals {
			if got := getBits(buf, 0, i*bits, bits); got != want {
				t.Fatalf("bits=%d index=%d: got %d, want %d", bits, i, got, want)
			}
		}
	}
}
