// Package quant implements the low-bit activation codec.
//
// Tensors are quantized with asymmetric uniform quantization per group:
//
//	q = round((x - min) / scale),  scale = (max - min) / (2^bits - 1)
//	x̂ = min + scale*q
//
// so the round-trip error is bounded by scale/2 per group. Codes are packed
// little-endian at the configured bit width, byte-aligned per group so
// groups encode and decode independently in parallel. Grouping may be
// per-tensor, per-channel (last dimension) or per contiguous block.
package quant
