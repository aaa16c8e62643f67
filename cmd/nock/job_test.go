package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/primitive"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func TestParsePairAndDims(t *testing.T) {
	p, err := parsePair("3")
	require.NoError(t, err)
	assert.Equal(t, [2]int{3, 3}, p)
	p, err = parsePair("3x2")
	require.NoError(t, err)
	assert.Equal(t, [2]int{3, 2}, p)
	_, err = parsePair("a")
	assert.Error(t, err)

	d, err := parseDims("2x16x8x8")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 8, 8}, d)
	_, err = parseDims("2xx8")
	assert.Error(t, err)
}

func TestJob_Validate(t *testing.T) {
	assert.NoError(t, Job{Op: opPooling, Direction: "forward", Algo: "max", Kernel: [2]int{2, 2}, Stride: [2]int{1, 1}}.Validate())
	assert.NoError(t, Job{Op: opBatchNorm, Direction: "backward"}.Validate())
	assert.ErrorIs(t, Job{Op: opPooling, Direction: "forward", Algo: "median"}.Validate(), errBadJob)
	assert.ErrorIs(t, Job{Op: opBatchNorm, Direction: "sideways"}.Validate(), errBadJob)
}

func TestJob_RejectsBadPoolingGeometry(t *testing.T) {
	b := primitive.NewBackend(primitive.DefaultOptions())
	src, err := tensor.FromFloat32([]int{1, 1, 4, 4}, layout.NCHW, ones(16))
	require.NoError(t, err)

	for name, job := range map[string]Job{
		"missing stride":  {Op: opPooling, Direction: "forward", Algo: "max", Kernel: [2]int{2, 2}},
		"zero kernel":     {Op: opPooling, Direction: "forward", Algo: "max", Stride: [2]int{1, 1}},
		"negative stride": {Op: opPooling, Direction: "forward", Algo: "max", Kernel: [2]int{2, 2}, Stride: [2]int{-1, 1}},
		"negative pad":    {Op: opPooling, Direction: "backward", Algo: "avg", Kernel: [2]int{2, 2}, Stride: [2]int{1, 1}, PadL: [2]int{-1, 0}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, job.Validate(), errBadJob)
			assert.NotPanics(t, func() {
				_, err := job.Run(b, []client.NamedTensor{{Name: "src", Tensor: src}})
				assert.ErrorIs(t, err, errBadJob)
			})
		})
	}
}

func TestPrepareAndRun_AllJobs(t *testing.T) {
	opts := primitive.DefaultOptions()
	opts.Cosim = true
	b := primitive.NewBackend(opts)

	for _, job := range []Job{
		{Op: opPooling, Direction: "forward", Algo: "max", Kernel: [2]int{3, 3}, Stride: [2]int{2, 2}, PadL: [2]int{1, 1}, PadR: [2]int{1, 1}},
		{Op: opPooling, Direction: "backward", Algo: "max", Kernel: [2]int{2, 2}, Stride: [2]int{2, 2}},
		{Op: opPooling, Direction: "backward", Algo: "avg", Kernel: [2]int{2, 2}, Stride: [2]int{1, 1}},
		{Op: opBatchNorm, Direction: "forward"},
		{Op: opBatchNorm, Direction: "backward"},
	} {
		t.Run(job.String()+"/"+job.Algo, func(t *testing.T) {
			prepared, in, err := prepare(b, job, []int{2, 16, 6, 6}, layout.NHWC, rand.New(rand.NewSource(1)))
			require.NoError(t, err)
			out, err := prepared.Run(b, in)
			require.NoError(t, err)
			require.NotEmpty(t, out)
			for _, nt := range out {
				assert.NotEmpty(t, nt.Name)
				assert.Equal(t, len(nt.Tensor.Data()), nt.Tensor.Len())
			}
		})
	}
}

func TestJob_MissingInput(t *testing.T) {
	b := primitive.NewBackend(primitive.DefaultOptions())
	_, err := Job{Op: opBatchNorm, Direction: "forward"}.Run(b, nil)
	assert.ErrorIs(t, err, errBadJob)
}

func TestTensorPayload_RoundTrip(t *testing.T) {
	src, err := tensor.FromFloat32([]int{1, 3, 2, 1}, layout.NChw8c, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	p, err := encodePayload(client.NamedTensor{Name: "src", Tensor: src})
	require.NoError(t, err)
	assert.Equal(t, "nChw8c", p.Format)
	assert.Equal(t, "float32", p.DType)

	back, err := p.decode()
	require.NoError(t, err)
	assert.Equal(t, src.Data(), back.Tensor.Data())

	p.Format = "hwcn"
	_, err = p.decode()
	assert.ErrorIs(t, err, errBadJob)
}

func TestTensorPayload_DeclaredShapeChecked(t *testing.T) {
	for name, p := range map[string]TensorPayload{
		"huge":     {Name: "src", Dims: []int{1 << 30, 1 << 30, 1, 1}, Format: "nchw", Values: []float32{1}},
		"overflow": {Name: "src", Dims: []int{1 << 40, 1 << 40, 1 << 20, 1}, Format: "nchw", Values: []float32{1}},
		"short":    {Name: "src", Dims: []int{1, 1, 4, 4}, Format: "nchw", Values: []float32{1}},
		"rank":     {Name: "src", Dims: []int{4, 4}, Format: "nchw", Values: ones(16)},
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := p.decode()
				assert.ErrorIs(t, err, errBadJob)
			})
		})
	}

	n, err := TensorPayload{Dims: []int{1 << 28, 1 << 28, 1, 1}, Format: "nchw"}.bytes()
	require.NoError(t, err)
	assert.Equal(t, int64(4)<<56, n)

	n, err = TensorPayload{Dims: []int{1, 3, 2, 2}, Format: "nChw8c", DType: "uint8"}.bytes()
	require.NoError(t, err)
	assert.Equal(t, int64(8*2*2), n)
}

func TestJob_PoolingBackwardOverflowingSource(t *testing.T) {
	b := primitive.NewBackend(primitive.DefaultOptions())
	diffDst, err := tensor.FromFloat32([]int{1, 1, 2, 2}, layout.NCHW, ones(4))
	require.NoError(t, err)
	ws, err := tensor.FromLogical([]int{1, 1, 2, 2}, tensor.Uint8, layout.NCHW, make([]float32, 4))
	require.NoError(t, err)

	job := Job{
		Op: opPooling, Direction: "backward", Algo: "max",
		Kernel: [2]int{2, 2}, Stride: [2]int{1 << 61, 1 << 61},
		SrcDims: [4]int{1, 1, 1 << 62, 1 << 62},
	}
	assert.NotPanics(t, func() {
		_, err := job.Run(b, []client.NamedTensor{{Name: "diff_dst", Tensor: diffDst}, {Name: "workspace", Tensor: ws}})
		assert.Error(t, err)
	})
}
