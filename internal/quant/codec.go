package quant

import (
	"fmt"
	"math"

	"github.com/hyclora-ml/hyclora/internal/parallel"
	"github.com/hyclora-ml/hyclora/internal/tensor"
)

// ContainerBits is the width of the code container. Bit widths above it
// cannot be packed and are rejected.
const ContainerBits = 8

// GroupingKind selects how elements are grouped under one scale/min pair.
type GroupingKind int

// Supported grouping kinds.
const (
	PerTensor GroupingKind = iota
	PerChannel
	PerBlock
)

// String returns a human-readable grouping name.
func (k GroupingKind) String() string {
	switch k {
	case PerTensor:
		return "per-tensor"
	case PerChannel:
		return "per-channel"
	case PerBlock:
		return "per-block"
	default:
		return "unknown"
	}
}

// Grouping describes the quantization group layout.
// BlockSize is only meaningful for PerBlock.
type Grouping struct {
	Kind      GroupingKind
	BlockSize int
}

// PerBlockOf returns a contiguous-block grouping of n elements.
func PerBlockOf(n int) Grouping {
	return Grouping{Kind: PerBlock, BlockSize: n}
}

// Compressed is a quantized activation payload: packed low-bit codes plus
// per-group scale and min (the affine zero point), enough to reconstruct
// the tensor within scale/2 per group.
type Compressed struct {
	Codes    []byte
	Scales   []float32
	Mins     []float32
	Bits     int
	Grouping Grouping
	Shape    tensor.Shape
}

// ByteSize returns the memory footprint of the compressed payload.
func (c *Compressed) ByteSize() int {
	return len(c.Codes) + 4*len(c.Scales) + 4*len(c.Mins)
}

// layout resolves a grouping against a shape into concrete group geometry.
type layout struct {
	numGroups int
	offsets   []int // byte offset of each group's codes
	total     int   // total code bytes
	lenAt     func(g int) int      // elements in group g
	elemAt    func(g, j int) int   // flat index of element j of group g
}

func newLayout(shape tensor.Shape, g Grouping, bits int) (*layout, error) {
	n := shape.NumElements()
	l := &layout{}

	switch g.Kind {
	case PerTensor:
		l.numGroups = 1
		l.lenAt = func(int) int { return n }
		l.elemAt = func(_, j int) int { return j }

	case PerChannel:
		_, cols := shape.Rows()
		rows := n / cols
		l.numGroups = cols
		l.lenAt = func(int) int { return rows }
		l.elemAt = func(gi, j int) int { return j*cols + gi }

	case PerBlock:
		if g.BlockSize <= 0 {
			return nil, fmt.Errorf("per-block grouping needs a positive block size, got %d", g.BlockSize)
		}
		bs := g.BlockSize
		l.numGroups = (n + bs - 1) / bs
		l.lenAt = func(gi int) int {
			if gi == l.numGroups-1 && n%bs != 0 {
				return n % bs
			}
			return bs
		}
		l.elemAt = func(gi, j int) int { return gi*bs + j }

	default:
		return nil, fmt.Errorf("unknown grouping kind %d", g.Kind)
	}

	l.offsets = make([]int, l.numGroups)
	off := 0
	for gi := 0; gi < l.numGroups; gi++ {
		l.offsets[gi] = off
		off += (l.lenAt(gi)*bits + 7) / 8
	}
	l.total = off
	return l, nil
}

// Encode quantizes t at the given bit width and grouping.
func Encode(t *tensor.Tensor, bits int, g Grouping) (*Compressed, error) {
	if bits < 1 || bits > ContainerBits {
		return nil, fmt.Errorf("%w: %d (container is %d bits)", ErrUnsupportedBitWidth, bits, ContainerBits)
	}
	l, err := newLayout(t.Shape(), g, bits)
	if err != nil {
		return nil, err
	}

	c := &Compressed{
		Codes:    make([]byte, l.total),
		Scales:   make([]float32, l.numGroups),
		Mins:     make([]float32, l.numGroups),
		Bits:     bits,
		Grouping: g,
		Shape:    t.Shape().Clone(),
	}

	data := t.Data()
	levels := float32(int(1)<<bits - 1)

	// Groups are byte-aligned, so per-group encode has no shared bytes.
	parallel.For(l.numGroups, func(gi int) {
		gl := l.lenAt(gi)
		minV, maxV := data[l.elemAt(gi, 0)], data[l.elemAt(gi, 0)]
		for j := 1; j < gl; j++ {
			v := data[l.elemAt(gi, j)]
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
		scale := (maxV - minV) / levels
		c.Scales[gi] = scale
		c.Mins[gi] = minV
		if scale == 0 {
			return // constant group, codes stay zero
		}
		inv := 1 / scale
		off := l.offsets[gi]
		for j := 0; j < gl; j++ {
			v := (data[l.elemAt(gi, j)] - minV) * inv
			q := uint16(math.Round(float64(v)))
			if float32(q) > levels {
				q = uint16(levels)
			}
			putBits(c.Codes, off, j*bits, bits, q)
		}
	}, parallel.DefaultConfig())

	return c, nil
}

// Decode reconstructs the tensor from a compressed payload.
// Decoding is deterministic given identical inputs.
func Decode(c *Compressed) (*tensor.Tensor, error) {
	if c.Bits < 1 || c.Bits > ContainerBits {
		return nil, fmt.Errorf("%w: %d (container is %d bits)", ErrUnsupportedBitWidth, c.Bits, ContainerBits)
	}
	l, err := newLayout(c.Shape, c.Grouping, c.Bits)
	if err != nil {
		return nil, err
	}
	if len(c.Scales) != l.numGroups || len(c.Mins) != l.numGroups {
		return nil, fmt.Errorf("%w: %d scale/min groups for %d groups of shape %v",
			ErrShapeMismatch, len(c.Scales), l.numGroups, c.Shape)
	}
	if len(c.Codes) != l.total {
		return nil, fmt.Errorf("%w: %d code bytes, layout needs %d", ErrShapeMismatch, len(c.Codes), l.total)
	}

	out, err := tensor.New(c.Shape)
	if err != nil {
		return nil, err
	}
	data := out.Data()

	parallel.For(l.numGroups, func(gi int) {
		scale, minV := c.Scales[gi], c.Mins[gi]
		off := l.offsets[gi]
		gl := l.lenAt(gi)
		for j := 0; j < gl; j++ {
			q := getBits(c.Codes, off, j*c.Bits, c.Bits)
			data[l.elemAt(gi, j)] = minV + scale*float32(q)
		}
	}, parallel.DefaultConfig())

	return out, nil
}

// putBits writes a bits-wide value at bit position pos within the byte
// region starting at off. Values span at most two bytes since bits ≤ 8.
func putBits(codes []byte, off, pos, bits int, q uint16) {
	idx := off + pos/8
	shift := pos % 8
	v := q << shift
	codes[idx] |= byte(v)
	if shift+bits > 8 {
		codes[idx+1] |= byte(v >> 8)
	}
}

// getBits reads a bits-wide value at bit position pos.
func getBits(codes []byte, off, pos, bits int) uint16 {
	idx := off + pos/8
	shift := pos % 8
	v := uint16(codes[idx]) >> shift
	if shift+bits > 8 {
		v |= uint16(codes[idx+1]) << (8 - shift)
	}
	return v & uint16(1<<bits-1)
}
