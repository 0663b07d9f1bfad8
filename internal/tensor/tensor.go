// Package tensor provides the dense float32 containers the attention
// kernels operate on: a 4-D [batch, heads, seq, dim] Tensor and a 3-D
// [batch, heads, seq] Rows companion for per-row statistics.
package tensor

// Tensor is a row-major contiguous [B, H, N, D] float32 tensor.
// Indices vary fastest from the right, so Head and Row return
// contiguous sub-slices of the backing array.
type Tensor struct {
	data []float32
	b    int
	h    int
	n    int
	d    int
}

// New allocates a zeroed [b, h, n, d] tensor.
func New(b, h, n, d int) *Tensor {
	checkDims(b, h, n, d)
	return &Tensor{
		data: make([]float32, b*h*n*d),
		b:    b,
		h:    h,
		n:    n,
		d:    d,
	}
}

// Wrap adopts data as the backing array of a [b, h, n, d] tensor
// without copying. The caller must not resize data afterwards.
func Wrap(b, h, n, d int, data []float32) *Tensor {
	checkDims(b, h, n, d)
	if len(data) != b*h*n*d {
		panic("tensor: Wrap data length does not match dimensions")
	}
	return &Tensor{data: data, b: b, h: h, n: n, d: d}
}

func checkDims(dims ...int) {
	for _, v := range dims {
		if v <= 0 {
			panic("tensor: dimensions must be positive")
		}
	}
}

// Dims returns the four dimensions (batch, heads, seq, dim).
func (t *Tensor) Dims() (b, h, n, d int) {
	return t.b, t.h, t.n, t.d
}

// Len returns the total element count.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the backing array in row-major order.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Head returns the contiguous [N*D] block for (b, h).
func (t *Tensor) Head(b, h int) []float32 {
	off := (b*t.h + h) * t.n * t.d
	return t.data[off : off+t.n*t.d]
}

// Row returns the contiguous [D] vector for (b, h, n).
func (t *Tensor) Row(b, h, n int) []float32 {
	off := ((b*t.h+h)*t.n + n) * t.d
	return t.data[off : off+t.d]
}

func (t *Tensor) At(b, h, n, d int) float32 {
	return t.data[((b*t.h+h)*t.n+n)*t.d+d]
}

func (t *Tensor) Set(b, h, n, d int, v float32) {
	t.data[((b*t.h+h)*t.n+n)*t.d+d] = v
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.b, t.h, t.n, t.d)
	copy(out.data, t.data)
	return out
}

// SameShape reports whether o has identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.b == o.b && t.h == o.h && t.n == o.n && t.d == o.d
}

// Rows is a row-major contiguous [B, H, N] float32 tensor. It holds one
// scalar per attention row, such as the logsumexp output.
type Rows struct {
	data []float32
	b    int
	h    int
	n    int
}

// NewRows allocates a zeroed [b, h, n] tensor.
func NewRows(b, h, n int) *Rows {
	checkDims(b, h, n)
	return &Rows{
		data: make([]float32, b*h*n),
		b:    b,
		h:    h,
		n:    n,
	}
}

// WrapRows adopts data as the backing array without copying.
func WrapRows(b, h, n int, data []float32) *Rows {
	checkDims(b, h, n)
	if len(data) != b*h*n {
		panic("tensor: WrapRows data length does not match dimensions")
	}
	return &Rows{data: data, b: b, h: h, n: n}
}

// Dims returns the three dimensions (batch, heads, seq).
func (r *Rows) Dims() (b, h, n int) {
	return r.b, r.h, r.n
}

// Data returns the backing array in row-major order.
func (r *Rows) Data() []float32 {
	return r.data
}

// Head returns the contiguous [N] block for (b, h).
func (r *Rows) Head(b, h int) []float32 {
	off := (b*r.h + h) * r.n
	return r.data[off : off+r.n]
}

func (r *Rows) At(b, h, n int) float32 {
	return r.data[(b*r.h+h)*r.n+n]
}

func (r *Rows) Set(b, h, n int, v float32) {
	r.data[(b*r.h+h)*r.n+n] = v
}

// Fill sets every element to v.
func (r *Rows) Fill(v float32) {
	for i := range r.data {
		r.data[i] = v
	}
}

// Clone returns a deep copy.
func (r *Rows) Clone() *Rows {
	out := NewRows(r.b, r.h, r.n)
	copy(out.data, r.data)
	return out
}
