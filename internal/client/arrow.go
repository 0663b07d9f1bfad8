// Package client provides the Arrow wire format for attention kernel
// batches and a Flight client for running the forward pass on a remote
// kernel service.
package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Params carries the kernel configuration that travels alongside a
// tensor batch: CBOR in the Flight descriptor Cmd, query parameters on
// the HTTP surface. The record itself holds the flattened B*H*N rows,
// so B and H must ride here and N is derived from the row count.
type Params struct {
	B       int    `cbor:"b"`
	H       int    `cbor:"h"`
	Br      int    `cbor:"br,omitempty"`
	Bc      int    `cbor:"bc,omitempty"`
	Causal  bool   `cbor:"causal,omitempty"`
	Workers int    `cbor:"workers,omitempty"`
	DType   string `cbor:"dtype,omitempty"`
}

// EncodeParams serializes p for a FlightDescriptor Cmd.
func EncodeParams(p Params) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeParams parses a FlightDescriptor Cmd produced by EncodeParams.
func DecodeParams(raw []byte) (Params, error) {
	var p Params
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks the batch-shape factors. The dtype is resolved
// separately so an unknown format can surface as "unimplemented"
// rather than a malformed request.
func (p Params) Validate() error {
	if p.B < 1 || p.H < 1 {
		return fmt.Errorf("b and h must be positive, got %d and %d", p.B, p.H)
	}
	return nil
}

// InputSchema describes one kernel request batch: three
// FixedSizeList<float32>[d] columns holding the flattened B*H*N rows
// of Q, K and V.
func InputSchema(d int) *arrow.Schema {
	vec := arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float32)
	return arrow.NewSchema([]arrow.Field{
		{Name: "q", Type: vec},
		{Name: "k", Type: vec},
		{Name: "v", Type: vec},
	}, nil)
}

// OutputSchema describes the response batch: the attention output rows
// and the per-row logsumexp.
func OutputSchema(d int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "o", Type: arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float32)},
		{Name: "lse", Type: arrow.PrimitiveTypes.Float32},
	}, nil)
}

// newVectorColumn wraps rows of length d in a FixedSizeList array
// without copying data.
func newVectorColumn(data []float32, rows, d int) *array.FixedSizeList {
	buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(data))
	fslType := arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float32)

	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, rows*d, []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer valuesData.Release()

	fslData := array.NewData(fslType, rows, []*memory.Buffer{nil}, []arrow.ArrayData{valuesData}, 0, 0)
	defer fslData.Release()

	return array.NewFixedSizeListData(fslData)
}

// newScalarColumn wraps one float32 per row without copying data.
func newScalarColumn(data []float32, rows int) *array.Float32 {
	buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(data))
	d := array.NewData(arrow.PrimitiveTypes.Float32, rows, []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer d.Release()
	return array.NewFloat32Data(d)
}

// BuildInputRecord assembles a request record over q, k and v. The
// record borrows the tensors' backing arrays rather than copying, so
// the tensors must outlive it.
func BuildInputRecord(q, k, v *tensor.Tensor) arrow.RecordBatch {
	b, h, n, d := q.Dims()
	rows := b * h * n

	qCol := newVectorColumn(q.Data(), rows, d)
	defer qCol.Release()
	kCol := newVectorColumn(k.Data(), rows, d)
	defer kCol.Release()
	vCol := newVectorColumn(v.Data(), rows, d)
	defer vCol.Release()

	return array.NewRecordBatch(InputSchema(d), []arrow.Array{qCol, kCol, vCol}, int64(rows))
}

// BuildOutputRecord assembles a response record over o and l, borrowing
// their backing arrays.
func BuildOutputRecord(o *tensor.Tensor, l *tensor.Rows) arrow.RecordBatch {
	b, h, n, d := o.Dims()
	rows := b * h * n

	oCol := newVectorColumn(o.Data(), rows, d)
	defer oCol.Release()
	lseCol := newScalarColumn(l.Data(), rows)
	defer lseCol.Release()

	return array.NewRecordBatch(OutputSchema(d), []arrow.Array{oCol, lseCol}, int64(rows))
}

// vectorValues extracts and copies the flat float32 payload of a
// FixedSizeList column. Copying detaches the result from the record's
// stream-scoped buffers.
func vectorValues(rec arrow.RecordBatch, name string) ([]float32, int, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, 0, fmt.Errorf("record has no %q column", name)
	}
	fsl, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return nil, 0, fmt.Errorf("column %q is not a fixed-size list", name)
	}
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, 0, fmt.Errorf("column %q does not hold float32 values", name)
	}
	d := int(fsl.DataType().(*arrow.FixedSizeListType).Len())

	src := values.Float32Values()
	if len(src) != fsl.Len()*d {
		return nil, 0, fmt.Errorf("column %q: %d values for %d rows of %d", name, len(src), fsl.Len(), d)
	}
	out := make([]float32, len(src))
	copy(out, src)
	return out, d, nil
}

// scalarValues extracts and copies a plain float32 column.
func scalarValues(rec arrow.RecordBatch, name string) ([]float32, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("record has no %q column", name)
	}
	arr, ok := rec.Column(indices[0]).(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column %q is not float32", name)
	}
	out := make([]float32, arr.Len())
	copy(out, arr.Float32Values())
	return out, nil
}

// batchShape derives [b, h, n] from the record row count and the
// Params factors.
func batchShape(rec arrow.RecordBatch, b, h int) (int, error) {
	if b < 1 || h < 1 {
		return 0, fmt.Errorf("b and h must be positive, got %d and %d", b, h)
	}
	rows := int(rec.NumRows())
	if rows == 0 || rows%(b*h) != 0 {
		return 0, fmt.Errorf("%d rows do not factor into b=%d h=%d", rows, b, h)
	}
	return rows / (b * h), nil
}

// InputTensors copies the q, k and v columns of rec into fresh
// [b, h, n, d] tensors, with n derived from the row count.
func InputTensors(rec arrow.RecordBatch, b, h int) (q, k, v *tensor.Tensor, err error) {
	n, err := batchShape(rec, b, h)
	if err != nil {
		return nil, nil, nil, err
	}

	load := func(name string) (*tensor.Tensor, error) {
		data, d, err := vectorValues(rec, name)
		if err != nil {
			return nil, err
		}
		return tensor.Wrap(b, h, n, d, data), nil
	}

	if q, err = load("q"); err != nil {
		return nil, nil, nil, err
	}
	if k, err = load("k"); err != nil {
		return nil, nil, nil, err
	}
	if v, err = load("v"); err != nil {
		return nil, nil, nil, err
	}
	if !q.SameShape(k) || !q.SameShape(v) {
		return nil, nil, nil, fmt.Errorf("q, k and v columns disagree on head dimension")
	}
	return q, k, v, nil
}

// OutputTensors copies the o and lse columns of rec into a fresh
// tensor and row block.
func OutputTensors(rec arrow.RecordBatch, b, h int) (*tensor.Tensor, *tensor.Rows, error) {
	n, err := batchShape(rec, b, h)
	if err != nil {
		return nil, nil, err
	}

	oData, d, err := vectorValues(rec, "o")
	if err != nil {
		return nil, nil, err
	}
	lse, err := scalarValues(rec, "lse")
	if err != nil {
		return nil, nil, err
	}
	if len(lse) != b*h*n {
		return nil, nil, fmt.Errorf("lse column has %d rows, want %d", len(lse), b*h*n)
	}
	return tensor.Wrap(b, h, n, d, oData), tensor.WrapRows(b, h, n, lse), nil
}
