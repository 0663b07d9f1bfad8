package simd

// Dot computes the dot product of two float32 vectors.
// Accumulation order is strictly left to right, so every caller sees
// the same rounding for the same operands.
func Dot(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// VecScale performs dst *= s in place.
func VecScale(dst []float32, s float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= s
		dst[i+1] *= s
		dst[i+2] *= s
		dst[i+3] *= s
	}
	for ; i < len(dst); i++ {
		dst[i] *= s
	}
}

// VecAddScaled performs dst += src * s for float32 vectors.
func VecAddScaled(dst, src []float32, s float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * s
		dst[i+1] += src[i+1] * s
		dst[i+2] += src[i+2] * s
		dst[i+3] += src[i+3] * s
	}
	// Handle remainder
	for ; i < len(dst); i++ {
		dst[i] += src[i] * s
	}
}
