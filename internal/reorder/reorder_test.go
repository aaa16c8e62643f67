package reorder

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func newEngine() *Engine {
	return NewEngine(kernel.NewEngine(kernel.DefaultConfig()))
}

func TestNeedsReorder(t *testing.T) {
	assert.False(t, NeedsReorder(layout.NCHW, layout.NCHW))
	assert.True(t, NeedsReorder(layout.NCHW, layout.NChw8c))
	assert.True(t, NeedsReorder(layout.NHWC, layout.NCHW))
}

func TestReorder_RoundTripIsBitIdentical(t *testing.T) {
	e := newEngine()
	dims := []int{2, 11, 3, 5}
	r := rand.New(rand.NewSource(3))
	values := make([]float32, 2*11*3*5)
	for i := range values {
		values[i] = r.Float32()
	}

	formats := []layout.Format{layout.NCHW, layout.NHWC, layout.NChw8c, layout.NChw16c}
	for _, from := range formats {
		for _, to := range formats {
			src, err := tensor.FromFloat32(dims, from, values)
			require.NoError(t, err)

			there, err := e.Reorder(dims, from, to, tensor.Float32, src.Data())
			require.NoError(t, err)
			back, err := e.Reorder(dims, to, from, tensor.Float32, there.Bytes())
			require.NoError(t, err)

			assert.Equal(t, src.Data(), back.Bytes(), "%s -> %s -> %s", from, to, from)
			there.Release()
			back.Release()
		}
	}
}

func TestReorder_PlansAreCached(t *testing.T) {
	e := newEngine()
	dims := []int{1, 8, 2, 2}
	p1, err := e.Plan(dims, layout.NCHW, layout.NChw8c, tensor.Float32)
	require.NoError(t, err)
	p2, err := e.Plan([]int{1, 8, 2, 2}, layout.NCHW, layout.NChw8c, tensor.Float32)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, e.Len())

	_, err = e.Plan(dims, layout.NCHW, layout.NChw8c, tensor.Int32)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Len())
}

func TestReorder_ConcurrentPlanLookup(t *testing.T) {
	e := newEngine()
	dims := []int{4, 16, 8, 8}
	plans := make([]*kernel.ReorderPlan, 64)
	var wg sync.WaitGroup
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := e.Plan(dims, layout.NHWC, layout.NChw16c, tensor.Float32)
			assert.NoError(t, err)
			plans[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range plans {
		assert.Same(t, plans[0], p)
	}
	assert.Equal(t, 1, e.Len())
}

func TestReorder_MetricsAndRelease(t *testing.T) {
	e := newEngine()
	dims := []int{1, 3, 2, 2}
	src, err := tensor.FromFloat32(dims, layout.NCHW, make([]float32, 12))
	require.NoError(t, err)

	count := reorders.WithLabelValues("nchw", "nChw8c")
	startCount := getMetricValue(count)
	startBytes := getMetricValue(reorderBytes)
	startLive := getMetricValue(liveBytes)

	buf, err := e.Reorder(dims, layout.NCHW, layout.NChw8c, tensor.Float32, src.Data())
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), 1*8*2*2*4)
	assert.Equal(t, layout.NChw8c, buf.Desc().Format())

	assert.Equal(t, 1.0, getMetricValue(count)-startCount)
	assert.Equal(t, 128.0, getMetricValue(reorderBytes)-startBytes)
	assert.Equal(t, 128.0, getMetricValue(liveBytes)-startLive)

	buf.Release()
	buf.Release()
	assert.Nil(t, buf.Bytes())
	assert.Equal(t, 0.0, getMetricValue(liveBytes)-startLive)
}

func TestReorder_Errors(t *testing.T) {
	e := newEngine()
	_, err := e.Reorder([]int{1, 2}, layout.NCHW, layout.NC, tensor.Float32, make([]byte, 8))
	assert.ErrorIs(t, err, kernel.ErrUnsupported)
	assert.Equal(t, 0, e.Len())

	_, err = e.Reorder([]int{1, 2, 2, 2}, layout.NCHW, layout.NHWC, tensor.Float32, make([]byte, 4))
	assert.ErrorIs(t, err, kernel.ErrBufferSize)
}

func TestTo_ReturnsOwnedTensor(t *testing.T) {
	e := newEngine()
	values := []float32{1, 2, 3, 4, 5, 6}
	src, err := tensor.FromFloat32([]int{1, 3, 1, 2}, layout.NHWC, values)
	require.NoError(t, err)

	out, err := e.To(src, layout.NCHW)
	require.NoError(t, err)
	assert.Equal(t, layout.NCHW, out.Format())
	assert.Equal(t, values, out.ToFloat32())
	assert.Equal(t, values, out.Float32s())
}
