package client

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func randomTensor(rng *rand.Rand, b, h, n, d int) *tensor.Tensor {
	t := tensor.New(b, h, n, d)
	data := t.Data()
	for i := range data {
		data[i] = rng.Float32()*2.0 - 1.0
	}
	return t
}

func TestParamsRoundTrip(t *testing.T) {
	p := Params{B: 2, H: 4, Br: 32, Bc: 16, Causal: true, Workers: 8, DType: "f32"}

	raw, err := EncodeParams(p)
	require.NoError(t, err)

	got, err := DecodeParams(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeParamsRejectsGarbage(t *testing.T) {
	_, err := DecodeParams([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, Params{B: 1, H: 1}.Validate())
	assert.Error(t, Params{B: 0, H: 1}.Validate())
	assert.Error(t, Params{B: 1, H: -2}.Validate())
}

func TestInputRecordRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	b, h, n, d := 2, 3, 5, 4
	q := randomTensor(rng, b, h, n, d)
	k := randomTensor(rng, b, h, n, d)
	v := randomTensor(rng, b, h, n, d)

	rec := BuildInputRecord(q, k, v)
	defer rec.Release()

	require.EqualValues(t, b*h*n, rec.NumRows())
	require.True(t, rec.Schema().Equal(InputSchema(d)))

	q2, k2, v2, err := InputTensors(rec, b, h)
	require.NoError(t, err)

	assert.Equal(t, q.Data(), q2.Data())
	assert.Equal(t, k.Data(), k2.Data())
	assert.Equal(t, v.Data(), v2.Data())

	// The decoded tensors own their storage.
	q2.Data()[0] += 1
	assert.NotEqual(t, q.Data()[0], q2.Data()[0])
}

func TestOutputRecordRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	b, h, n, d := 1, 2, 4, 3
	o := randomTensor(rng, b, h, n, d)
	l := tensor.NewRows(b, h, n)
	for i := range l.Data() {
		l.Data()[i] = rng.Float32()
	}

	rec := BuildOutputRecord(o, l)
	defer rec.Release()

	o2, l2, err := OutputTensors(rec, b, h)
	require.NoError(t, err)
	assert.Equal(t, o.Data(), o2.Data())
	assert.Equal(t, l.Data(), l2.Data())
}

func TestInputTensorsShapeErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := randomTensor(rng, 2, 2, 3, 4)
	k := randomTensor(rng, 2, 2, 3, 4)
	v := randomTensor(rng, 2, 2, 3, 4)

	rec := BuildInputRecord(q, k, v)
	defer rec.Release()

	// 12 rows do not factor into b=5.
	_, _, _, err := InputTensors(rec, 5, 2)
	assert.Error(t, err)

	_, _, _, err = InputTensors(rec, 0, 2)
	assert.Error(t, err)
}

func TestOutputTensorsMissingColumn(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	q := randomTensor(rng, 1, 1, 2, 2)
	k := randomTensor(rng, 1, 1, 2, 2)
	v := randomTensor(rng, 1, 1, 2, 2)

	// An input record has no "o" column.
	rec := BuildInputRecord(q, k, v)
	defer rec.Release()

	_, _, err := OutputTensors(rec, 1, 1)
	assert.Error(t, err)
}
