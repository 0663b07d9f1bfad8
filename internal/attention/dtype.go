package attention

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the element format of a kernel invocation. The
// numeric values follow the device kernel ABI: 0 = f32, 1 = f16,
// 2 = bf16. The CPU kernels compute in f32 only; the reduced formats
// exist as a wire contract for device implementations and for
// precision studies via Quantize.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDType maps the CLI and wire spelling to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32":
		return F32, nil
	case "f16":
		return F16, nil
	case "bf16":
		return BF16, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Quantize rounds every element through the storage format and back
// to float32, in place. It reproduces the precision a device kernel
// holding its operands in that format would keep, so f32 results can
// be compared against reduced-precision runs. F32 is the identity.
func (d DType) Quantize(data []float32) {
	switch d {
	case F16:
		for i, v := range data {
			data[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		for i, v := range data {
			bits := math.Float32bits(v)
			// Round to nearest even in the upper 16 bits.
			bits += 0x7fff + (bits>>16)&1
			data[i] = math.Float32frombits(bits &^ 0xffff)
		}
	}
}
