package attention

import (
	"math"
	"testing"
)

func TestParseDType(t *testing.T) {
	cases := map[string]DType{"f32": F32, "f16": F16, "bf16": BF16}
	for s, want := range cases {
		got, err := ParseDType(s)
		if err != nil {
			t.Fatalf("ParseDType(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseDType(%q) = %v, want %v", s, got, want)
		}
		if got.String() != s {
			t.Fatalf("%v.String() = %q, want %q", got, got.String(), s)
		}
	}

	if _, err := ParseDType("f64"); err == nil {
		t.Fatalf("ParseDType(\"f64\") succeeded, want error")
	}
}

func TestQuantizeF32IsIdentity(t *testing.T) {
	data := []float32{0, 1, -1, 0.1, 3.14159, 1e-30, 1e30}
	orig := append([]float32(nil), data...)
	F32.Quantize(data)
	for i := range data {
		if data[i] != orig[i] {
			t.Fatalf("F32.Quantize changed [%d]: %v -> %v", i, orig[i], data[i])
		}
	}
}

func TestQuantizeIdempotent(t *testing.T) {
	for _, d := range []DType{F16, BF16} {
		data := []float32{0.1, -0.333, 2.718281828, 1234.5678, -9.9e-5}
		once := append([]float32(nil), data...)
		d.Quantize(once)
		twice := append([]float32(nil), once...)
		d.Quantize(twice)
		for i := range once {
			if once[i] != twice[i] {
				t.Fatalf("%v: quantize not idempotent at [%d]: %v vs %v", d, i, once[i], twice[i])
			}
		}
	}
}

func TestQuantizeErrorBounds(t *testing.T) {
	// f16 keeps 10 mantissa bits, bf16 keeps 7.
	bounds := map[DType]float64{F16: math.Pow(2, -10), BF16: math.Pow(2, -7)}
	inputs := []float32{0.1, 0.333, 1.5, 3.14159, 100.25, 0.0078}

	for d, rel := range bounds {
		for _, x := range inputs {
			q := []float32{x}
			d.Quantize(q)
			if diff := math.Abs(float64(q[0]-x)) / float64(x); diff > rel {
				t.Errorf("%v(%v) = %v, relative error %v exceeds %v", d, x, q[0], diff, rel)
			}
		}
	}
}

func TestQuantizeExactValuesSurvive(t *testing.T) {
	// Powers of two and small integers are exact in both formats.
	data := []float32{0, 1, -1, 0.5, 2, -4, 0.25}
	for _, d := range []DType{F16, BF16} {
		q := append([]float32(nil), data...)
		d.Quantize(q)
		for i := range data {
			if q[i] != data[i] {
				t.Fatalf("%v changed exact value %v to %v", d, data[i], q[i])
			}
		}
	}
}

func TestQuantizeBF16RoundsToNearestEven(t *testing.T) {
	cases := []struct {
		in   uint32
		want uint32
	}{
		// Tie, even upper half: stays.
		{0x3F808000, 0x3F800000},
		// Tie, odd upper half: rounds up.
		{0x3F818000, 0x3F820000},
		// Below the tie: truncates.
		{0x3F817FFF, 0x3F810000},
		// Above the tie: rounds up.
		{0x3F808001, 0x3F810000},
	}
	for _, tc := range cases {
		q := []float32{math.Float32frombits(tc.in)}
		BF16.Quantize(q)
		if got := math.Float32bits(q[0]); got != tc.want {
			t.Errorf("BF16(%#08x) = %#08x, want %#08x", tc.in, got, tc.want)
		}
	}
}
