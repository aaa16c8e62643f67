package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/layout"
)

func TestNew_SizesBuffer(t *testing.T) {
	ct, err := New([]int{2, 10, 3, 3}, Float32, layout.NChw8c)
	require.NoError(t, err)

	assert.Equal(t, Float32, ct.DataType())
	assert.Equal(t, 4, ct.NDims())
	assert.Equal(t, []int{2, 10, 3, 3}, ct.Dims())
	assert.Equal(t, layout.NChw8c, ct.Format())
	assert.Equal(t, 2*16*3*3*4, ct.Len())
	assert.Equal(t, ct.Desc().Bytes(4), ct.Len())

	for _, b := range ct.Data() {
		require.Zero(t, b)
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New([]int{2, 3}, Undef, layout.NC)
	assert.True(t, errors.Is(err, ErrAllocation))

	_, err = New([]int{2, 3}, Float32, layout.NCHW)
	assert.True(t, errors.Is(err, ErrAllocation))
}

func TestFromFloat32_LogicalRoundTrip(t *testing.T) {
	values := make([]float32, 1*10*2*3)
	for i := range values {
		values[i] = float32(i)
	}

	for _, f := range []layout.Format{layout.NCHW, layout.NHWC, layout.NChw8c, layout.NChw16c} {
		ct, err := FromFloat32([]int{1, 10, 2, 3}, f, values)
		require.NoError(t, err)
		assert.Equal(t, values, ct.ToFloat32(), f.String())
	}
}

func TestFromFloat32_LengthMismatch(t *testing.T) {
	_, err := FromFloat32([]int{1, 2}, layout.NC, []float32{1})
	assert.ErrorIs(t, err, ErrLength)
}

func TestFromLogical_HugeDimsRejectedBeforeAllocation(t *testing.T) {
	for _, dims := range [][]int{
		{1 << 30, 1 << 30, 1, 1},
		{1 << 40, 1 << 40, 1, 1},
		{1 << 20, 1 << 20},
	} {
		assert.NotPanics(t, func() {
			_, err := FromLogical(dims, Float32, layoutFor(dims), []float32{1})
			assert.Error(t, err)
		})
	}
}

func layoutFor(dims []int) layout.Format {
	if len(dims) == 2 {
		return layout.NC
	}
	return layout.NCHW
}

func TestNew_SizeLimit(t *testing.T) {
	assert.NotPanics(t, func() {
		_, err := New([]int{1 << 20, 1 << 20, 1, 1}, Float32, layout.NCHW)
		assert.ErrorIs(t, err, ErrAllocation)
	})

	_, err := Alloc(-1)
	assert.ErrorIs(t, err, ErrAllocation)
	_, err = Alloc(int(MaxBytes) + 1)
	assert.ErrorIs(t, err, ErrAllocation)

	buf, err := Alloc(10)
	require.NoError(t, err)
	assert.Len(t, buf, 10)
}

func TestTypedViews(t *testing.T) {
	ct, err := New([]int{4}, Int32, layout.X)
	require.NoError(t, err)
	ct.Int32s()[2] = 7
	assert.Equal(t, []float32{0, 0, 7, 0}, ct.ToFloat32())

	assert.Panics(t, func() { ct.Float32s() })
}

func TestParseDataType(t *testing.T) {
	for _, dt := range []DataType{Float32, Int32, Uint8} {
		got, err := ParseDataType(dt.String())
		require.NoError(t, err)
		assert.Equal(t, dt, got)
	}
	_, err := ParseDataType("bf16")
	assert.Error(t, err)
}

func TestFromLogical_IntegerTypes(t *testing.T) {
	ct, err := FromLogical([]int{1, 3, 1, 1}, Uint8, layout.NChw8c, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 8, ct.Len())
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, ct.Uint8s())
	assert.Equal(t, []float32{1, 2, 3}, ct.ToFloat32())

	it, err := FromLogical([]int{2}, Int32, layout.X, []float32{-4, 9})
	require.NoError(t, err)
	assert.Equal(t, []int32{-4, 9}, it.Int32s())
}

// fakeTensor is a Tensor not built by this package.
type fakeTensor struct {
	dims   []int
	format layout.Format
	dtype  DataType
	data   []byte
}

func (f fakeTensor) DataType() DataType { return f.dtype }
func (f fakeTensor) NDims() int { return len(f.dims) }
func (f fakeTensor) Dims() []int { return f.dims }
func (f fakeTensor) Format() layout.Format { return f.format }
func (f fakeTensor) Data() []byte { return f.data }
func (f fakeTensor) Len() int { return len(f.data) }

func TestLogical_ForeignTensors(t *testing.T) {
	for name, ft := range map[string]fakeTensor{
		"rank mismatch": {dims: []int{2, 2}, format: layout.NCHW, dtype: Float32, data: make([]byte, 16)},
		"short buffer":  {dims: []int{1, 2, 2, 2}, format: layout.NChw8c, dtype: Float32, data: make([]byte, 32)},
		"undef type":    {dims: []int{4}, format: layout.X, dtype: Undef, data: make([]byte, 16)},
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := Logical(ft)
				assert.Error(t, err)
			})
		})
	}

	ok := fakeTensor{dims: []int{2}, format: layout.X, dtype: Int32, data: make([]byte, 8)}
	ok.data[4] = 3
	values, err := Logical(ok)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3}, values)
}
