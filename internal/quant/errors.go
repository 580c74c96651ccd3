package quant

import "errors"

// Common errors.
var (
	ErrUnsupportedBitWidth = errors.New("unsupported bit width")
	ErrShapeMismatch       = errors.New("codes/scale shapes are inconsistent")
)
