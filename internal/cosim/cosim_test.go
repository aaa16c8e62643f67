package cosim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/kernel"
)

func TestCompare(t *testing.T) {
	tol := DefaultTolerance()
	assert.NoError(t, Compare("same", []float32{1, 2, 3}, []float32{1, 2, 3}, tol))
	assert.NoError(t, Compare("close", []float32{1000}, []float32{1000.05}, tol))

	err := Compare("far", []float32{1, 2, 3}, []float32{1, 2.5, 3}, tol)
	require.ErrorIs(t, err, ErrMismatch)
	assert.Contains(t, err.Error(), "first at 1")

	assert.ErrorIs(t, Compare("len", []float32{1}, []float32{1, 2}, tol), ErrMismatch)
}

func TestCompareAll(t *testing.T) {
	tol := DefaultTolerance()
	ok := Check{Name: "a", Got: []float32{1}, Want: []float32{1}}
	bad := Check{Name: "b", Got: []float32{1}, Want: []float32{2}}
	assert.NoError(t, CompareAll(context.Background(), tol, ok, ok))
	err := CompareAll(context.Background(), tol, ok, bad)
	require.ErrorIs(t, err, ErrMismatch)
	assert.Contains(t, err.Error(), "b differs")
}

func TestPoolingReference_AvgExclude4x4(t *testing.T) {
	ones := make([]float32, 16)
	for i := range ones {
		ones[i] = 1
	}
	p := kernel.PoolingDesc{KH: 2, KW: 2, SY: 2, SX: 2, Algo: kernel.PoolingAvgExcludePadding}
	dst, ws := PoolingForward(ones, [4]int{1, 1, 4, 4}, [4]int{1, 1, 2, 2}, p)
	assert.Nil(t, ws)
	assert.Equal(t, []float32{1, 1, 1, 1}, dst)

	diff := PoolingBackward(dst, nil, [4]int{1, 1, 4, 4}, [4]int{1, 1, 2, 2}, p)
	for _, v := range diff {
		assert.Equal(t, float32(0.25), v)
	}
}

func TestPoolingReference_IncludePaddingDivisor(t *testing.T) {
	p := kernel.PoolingDesc{KH: 3, KW: 3, SY: 1, SX: 1, PadLH: 1, PadLW: 1, PadRH: 1, PadRW: 1, Algo: kernel.PoolingAvgIncludePadding}
	dst, _ := PoolingForward([]float32{1, 1, 1, 1}, [4]int{1, 1, 2, 2}, [4]int{1, 1, 2, 2}, p)
	assert.InDeltaSlice(t, []float32{4.0 / 9, 4.0 / 9, 4.0 / 9, 4.0 / 9}, dst, 1e-6)
}

func TestBatchNormReference(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	dst, mean, variance := BatchNormForward(src, []int{4, 1}, nil, nil, nil, 1e-5)
	assert.InDelta(t, 2.5, mean[0], 1e-6)
	assert.InDelta(t, 1.25, variance[0], 1e-6)
	var sum float32
	for _, v := range dst {
		sum += v
	}
	assert.InDelta(t, 0, sum, 1e-5)

	diffSrc, diffW := BatchNormBackward(src, []float32{1, 1, 1, 1}, mean, variance, []float32{1, 0}, []int{4, 1}, 1e-5)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0}, diffSrc, 1e-5)
	assert.InDelta(t, 4, diffW[1], 1e-6)
}
