package simd

import "testing"

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	expected := float32(70)

	result := Dot(a, b)

	if result != expected {
		t.Errorf("Dot = %f, want %f", result, expected)
	}
}

func TestDotRemainderLengths(t *testing.T) {
	// Lengths straddling the unroll width, including the remainder path.
	for _, n := range []int{0, 1, 3, 4, 5, 7, 8, 17} {
		a := make([]float32, n)
		b := make([]float32, n)
		var want float32
		for i := 0; i < n; i++ {
			a[i] = float32(i + 1)
			b[i] = float32(n - i)
			want += a[i] * b[i]
		}

		if got := Dot(a, b); got != want {
			t.Errorf("n=%d: Dot = %f, want %f", n, got, want)
		}
	}
}

func TestDotLeftToRightOrder(t *testing.T) {
	// Under catastrophic cancellation the result depends on summation
	// order; the streaming kernels rely on it being left to right.
	a := []float32{1e8, 1, -1e8, 1, 1}
	b := []float32{1, 1, 1, 1, 1}

	var want float32
	for i := range a {
		want += a[i] * b[i]
	}

	if got := Dot(a, b); got != want {
		t.Fatalf("Dot = %f, want strict left-to-right %f", got, want)
	}
}

func TestVecScale(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	expected := []float32{0.5, 1, 1.5, 2, 2.5}

	VecScale(dst, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecScale(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecScaleZero(t *testing.T) {
	dst := []float32{1, -2, 3, -4, 5, -6, 7, -8, 9}

	VecScale(dst, 0)

	for i, v := range dst {
		if v != 0 {
			t.Errorf("VecScale(%d) = %f after scale by zero", i, v)
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	scale := float32(0.5)
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, scale)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

// Benchmarks

func BenchmarkDot(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	for i := range v1 {
		v1[i] = float32(i)
		v2[i] = float32(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Dot(v1, v2)
	}
}

func BenchmarkVecAddScaled(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecAddScaled(v1, v2, 0.5)
	}
}
