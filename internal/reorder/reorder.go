// Package reorder converts tensor buffers between physical layouts using
// cached conversion plans.
package reorder

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/cache"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// NeedsReorder reports whether data laid out as actual must be converted
// before a plan requiring required can read it.
func NeedsReorder(actual, required layout.Format) bool {
	return actual != required
}

// Engine owns the reorder plan cache.
type Engine struct {
	kernel *kernel.Engine
	plans  cache.PlanCache[*kernel.ReorderPlan]
}

func NewEngine(k *kernel.Engine) *Engine {
	return &Engine{
		kernel: k,
		plans:  cache.NewMapCache[*kernel.ReorderPlan]("reorder"),
	}
}

// Plan returns the cached conversion plan for (dims, src, dst, dtype).
func (e *Engine) Plan(dims []int, src, dst layout.Format, dt tensor.DataType) (*kernel.ReorderPlan, error) {
	sig := kernel.ReorderSig{Dims: dims, Src: src, Dst: dst, Type: dt}
	key, err := cache.Key(sig)
	if err != nil {
		return nil, err
	}
	return e.plans.GetOrCreate(key, func() (*kernel.ReorderPlan, error) {
		return e.kernel.NewReorder(sig)
	})
}

// Len is the number of cached conversion plans.
func (e *Engine) Len() int { return e.plans.Len() }

// Reorder converts buf, laid out as (dims, src), into a new temporary buffer
// laid out as (dims, dst). The caller must Release the result.
func (e *Engine) Reorder(dims []int, src, dst layout.Format, dt tensor.DataType, buf []byte) (*Buffer, error) {
	plan, err := e.Plan(dims, src, dst, dt)
	if err != nil {
		return nil, fmt.Errorf("reorder %s -> %s: %w", src, dst, err)
	}
	out, err := tensor.Alloc(plan.DstBytes())
	if err != nil {
		return nil, err
	}
	if err := plan.Execute(buf, out); err != nil {
		return nil, fmt.Errorf("reorder %s -> %s: %w", src, dst, err)
	}
	record(src, dst, len(out))

	b := &Buffer{desc: plan.DstDesc(), data: out}
	liveBytes.Add(float64(len(out)))
	return b, nil
}

// To converts t into a new tensor of format f owned by the caller.
func (e *Engine) To(t tensor.Tensor, f layout.Format) (*tensor.CPUTensor, error) {
	out, err := tensor.New(t.Dims(), t.DataType(), f)
	if err != nil {
		return nil, err
	}
	plan, err := e.Plan(t.Dims(), t.Format(), f, t.DataType())
	if err != nil {
		return nil, fmt.Errorf("reorder %s -> %s: %w", t.Format(), f, err)
	}
	if err := plan.Execute(t.Data(), out.Data()); err != nil {
		return nil, fmt.Errorf("reorder %s -> %s: %w", t.Format(), f, err)
	}
	record(t.Format(), f, out.Len())
	return out, nil
}

func record(src, dst layout.Format, n int) {
	reorders.WithLabelValues(src.String(), dst.String()).Inc()
	reorderBytes.Add(float64(n))
	log.Debug().Stringer("src", src).Stringer("dst", dst).Int("bytes", n).Msg("reordered")
}

// Buffer is a temporary converted copy of an input. It is only valid until
// Release.
type Buffer struct {
	desc     layout.Desc
	data     []byte
	released atomic.Bool
}

func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Desc() layout.Desc { return b.desc }

// Release drops the buffer. Calling it more than once is a no-op.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	liveBytes.Sub(float64(len(b.data)))
	b.data = nil
}
