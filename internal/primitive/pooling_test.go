package primitive

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func pool2x2(algo kernel.Algorithm, src [4]int) PoolingParams {
	return PoolingParams{SrcDims: src, PoolingDesc: kernel.PoolingDesc{KH: 2, KW: 2, SY: 2, SX: 2, Algo: algo}}.Infer()
}

func TestPooling_AvgExcludePaddingEndToEnd(t *testing.T) {
	b := newBackend(true)
	p := pool2x2(kernel.PoolingAvgExcludePadding, [4]int{1, 1, 4, 4})
	assert.Equal(t, [4]int{1, 1, 2, 2}, p.DstDims)

	src := fromValues(t, []int{1, 1, 4, 4}, layout.NCHW, filled(16, 1))
	out, err := b.Pooling2D().Forward(src, p)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []int{1, 1, 2, 2}, out[0].Dims())
	assert.Equal(t, filled(4, 1), out[0].ToFloat32())

	diffDst := fromValues(t, []int{1, 1, 2, 2}, layout.NCHW, filled(4, 1))
	grads, err := b.Pooling2D().Backward(diffDst, nil, p)
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.Equal(t, []int{1, 1, 4, 4}, grads[0].Dims())
	assert.Equal(t, filled(16, 0.25), grads[0].ToFloat32())
}

func TestPooling_MaxReturnsWorkspace(t *testing.T) {
	b := newBackend(true)
	p := pool2x2(kernel.PoolingMax, [4]int{2, 16, 6, 6})
	src := randomTensor(t, []int{2, 16, 6, 6}, layout.NCHW, 3)

	out, err := b.Pooling2D().Forward(src, p)
	require.NoError(t, err)
	require.Len(t, out, 2)
	dst, ws := out[0], out[1]
	assert.Equal(t, layout.NChw8c, dst.Format())
	assert.Equal(t, dst.Dims(), ws.Dims())
	assert.Equal(t, dst.Format(), ws.Format())
	assert.Equal(t, tensor.Uint8, ws.DataType())

	diffDst := randomTensor(t, []int{2, 16, 3, 3}, layout.NHWC, 4)
	grads, err := b.Pooling2D().Backward(diffDst, ws, p)
	require.NoError(t, err)
	require.Len(t, grads, 1)

	_, err = b.Pooling2D().Backward(diffDst, nil, p)
	assert.ErrorIs(t, err, ErrWorkspaceRequired)

	var typedNil *tensor.CPUTensor
	_, err = b.Pooling2D().Backward(diffDst, typedNil, p)
	assert.ErrorIs(t, err, ErrWorkspaceRequired)

	wrong := randomTensor(t, []int{2, 16, 3, 3}, layout.NCHW, 5)
	_, err = b.Pooling2D().Backward(diffDst, wrong, p)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestPooling_AvgIgnoresWorkspace(t *testing.T) {
	b := newBackend(true)
	p := pool2x2(kernel.PoolingAvgIncludePadding, [4]int{1, 1, 4, 4})
	diffDst := fromValues(t, []int{1, 1, 2, 2}, layout.NCHW, filled(4, 1))
	junk := fromValues(t, []int{1, 1, 1, 1}, layout.NCHW, []float32{7})
	out, err := b.Pooling2D().Backward(diffDst, junk, p)
	require.NoError(t, err)
	assert.Equal(t, filled(16, 0.25), out[0].ToFloat32())
}

func TestPooling_InputLayoutDoesNotMatter(t *testing.T) {
	b := newBackend(false)
	dims := []int{2, 16, 7, 7}
	p := PoolingParams{SrcDims: [4]int{2, 16, 7, 7}, PoolingDesc: kernel.PoolingDesc{
		KH: 3, KW: 3, SY: 2, SX: 2, PadLH: 1, PadLW: 1, PadRH: 1, PadRW: 1, Algo: kernel.PoolingAvgIncludePadding,
	}}.Infer()
	planar := randomTensor(t, dims, layout.NCHW, 6)

	var results [][]float32
	for _, f := range []layout.Format{layout.NCHW, layout.NHWC, layout.NChw8c, layout.NChw16c} {
		src, err := b.Reorder(planar, f)
		require.NoError(t, err)
		out, err := b.Pooling2D().Forward(src, p)
		require.NoError(t, err)
		results = append(results, out[0].ToFloat32())
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, 1, b.Stats().PoolingFwdPlans)
	assert.Zero(t, gauge(t, "nock_reorder_live_bytes"))
}

func TestPooling_CosimRandomInputs(t *testing.T) {
	b := newBackend(true)
	for _, algo := range []kernel.Algorithm{kernel.PoolingMax, kernel.PoolingAvgIncludePadding, kernel.PoolingAvgExcludePadding} {
		t.Run(algo.String(), func(t *testing.T) {
			p := PoolingParams{SrcDims: [4]int{2, 3, 9, 8}, PoolingDesc: kernel.PoolingDesc{
				KH: 3, KW: 2, SY: 2, SX: 1, PadLH: 1, PadLW: 0, PadRH: 2, PadRW: 1, Algo: algo,
			}}.Infer()
			src := randomTensor(t, []int{2, 3, 9, 8}, layout.NHWC, 7)
			out, err := b.Pooling2D().Forward(src, p)
			require.NoError(t, err)

			diffDst := randomTensor(t, p.DstDims[:], layout.NCHW, 8)
			var ws tensor.Tensor
			if len(out) == 2 {
				ws = out[1]
			}
			_, err = b.Pooling2D().Backward(diffDst, ws, p)
			require.NoError(t, err)
		})
	}
}

func TestPooling_ShapeAndTypeErrors(t *testing.T) {
	b := newBackend(false)
	p := pool2x2(kernel.PoolingMax, [4]int{1, 1, 4, 4})

	src := fromValues(t, []int{1, 1, 4, 2}, layout.NCHW, filled(8, 1))
	_, err := b.Pooling2D().Forward(src, p)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	bad := p
	bad.DstDims = [4]int{1, 1, 3, 3}
	src = fromValues(t, []int{1, 1, 4, 4}, layout.NCHW, filled(16, 1))
	_, err = b.Pooling2D().Forward(src, bad)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	ints, err := tensor.New([]int{1, 1, 4, 4}, tensor.Int32, layout.NCHW)
	require.NoError(t, err)
	_, err = b.Pooling2D().Forward(ints, p)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	huge := PoolingParams{SrcDims: [4]int{1, 1, 4, 4}, PoolingDesc: kernel.PoolingDesc{KH: 8, KW: 8, SY: 1, SX: 1, Algo: kernel.PoolingMax}}
	huge.DstDims = [4]int{1, 1, -3, -3}
	_, err = b.Pooling2D().Forward(src, huge)
	assert.ErrorIs(t, err, kernel.ErrUnsupported)
	assert.Equal(t, 0, b.Stats().PoolingFwdPlans)

	diffDst := fromValues(t, []int{1, 1, 4, 4}, layout.NCHW, filled(16, 1))
	_, err = b.Pooling2D().Backward(diffDst, nil, p)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestPooling_MaxNegativeInfinityWithPadding(t *testing.T) {
	b := newBackend(true)
	p := PoolingParams{SrcDims: [4]int{1, 1, 2, 2}, PoolingDesc: kernel.PoolingDesc{
		KH: 2, KW: 2, SY: 1, SX: 1, PadLH: 1, PadLW: 1, PadRH: 1, PadRW: 1, Algo: kernel.PoolingMax,
	}}.Infer()

	negInf := float32(math.Inf(-1))
	src := fromValues(t, []int{1, 1, 2, 2}, layout.NCHW, filled(4, negInf))
	out, err := b.Pooling2D().Forward(src, p)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, filled(9, negInf), out[0].ToFloat32())

	grads, err := b.Pooling2D().Backward(fromValues(t, []int{1, 1, 3, 3}, layout.NCHW, filled(9, 1)), out[1], p)
	require.NoError(t, err)
	// each output routes its gradient to an input element, none is lost in padding
	var total float32
	for _, v := range grads[0].ToFloat32() {
		total += v
	}
	assert.Equal(t, float32(9), total)
}

func TestPooling_NonPositiveStride(t *testing.T) {
	b := newBackend(false)
	src := fromValues(t, []int{1, 1, 4, 4}, layout.NCHW, filled(16, 1))

	for _, stride := range [][2]int{{0, 0}, {2, 0}, {-1, 2}} {
		p := PoolingParams{SrcDims: [4]int{1, 1, 4, 4}, PoolingDesc: kernel.PoolingDesc{
			KH: 2, KW: 2, SY: stride[0], SX: stride[1], Algo: kernel.PoolingMax,
		}}
		assert.NotPanics(t, func() { p = p.Infer() })
		assert.Equal(t, [4]int{}, p.DstDims)

		assert.NotPanics(t, func() {
			_, err := b.Pooling2D().Forward(src, p)
			assert.ErrorIs(t, err, kernel.ErrUnsupported)
		})
	}
	assert.Equal(t, 0, b.Stats().PoolingFwdPlans)
	assert.Equal(t, 0, kernel.OutputSize(4, 2, 0, 0, 0))
}

func TestPooling_ConcurrentCallsShareOnePlan(t *testing.T) {
	b := newBackend(false)
	p := pool2x2(kernel.PoolingAvgExcludePadding, [4]int{1, 8, 8, 8})
	src := randomTensor(t, []int{1, 8, 8, 8}, layout.NChw8c, 9)
	want, err := newBackend(false).Pooling2D().Forward(src, p)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := b.Pooling2D().Forward(src, p)
			if assert.NoError(t, err) {
				assert.Equal(t, want[0].ToFloat32(), out[0].ToFloat32())
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, b.Stats().PoolingFwdPlans)
}
