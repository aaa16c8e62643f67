// Package primitive is the public face of the backend: layer operations that
// accept tensors in any layout, convert them to what the cached plan needs,
// run the kernel and hand back newly allocated outputs.
package primitive

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/cache"
	"github.com/23skdu/longbow-nock/internal/cosim"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/reorder"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

var (
	ErrShapeMismatch     = errors.New("primitive: shape mismatch")
	ErrTypeMismatch      = errors.New("primitive: data type mismatch")
	ErrWorkspaceRequired = errors.New("primitive: max pooling backward requires the forward workspace")
)

// Options configures a Backend.
type Options struct {
	Kernel kernel.Config
	// Cosim recomputes every result with the reference implementation and
	// fails the call on disagreement.
	Cosim          bool
	CosimTolerance cosim.Tolerance
}

func DefaultOptions() Options {
	return Options{
		Kernel:         kernel.DefaultConfig(),
		CosimTolerance: cosim.DefaultTolerance(),
	}
}

// Backend owns the kernel engine and every plan cache. It is safe for
// concurrent use.
type Backend struct {
	opts    Options
	engine  *kernel.Engine
	reorder *reorder.Engine

	poolFwd cache.PlanCache[*kernel.PoolingFwdPlan]
	poolBwd cache.PlanCache[*kernel.PoolingBwdPlan]
	bnFwd   cache.PlanCache[*kernel.BNFwdPlan]
	bnBwd   cache.PlanCache[*kernel.BNBwdPlan]

	pooling *Pooling2D
	bn      *BatchNorm
}

func NewBackend(opts Options) *Backend {
	if opts.CosimTolerance == (cosim.Tolerance{}) {
		opts.CosimTolerance = cosim.DefaultTolerance()
	}
	eng := kernel.NewEngine(opts.Kernel)
	b := &Backend{
		opts:    opts,
		engine:  eng,
		reorder: reorder.NewEngine(eng),
		poolFwd: cache.NewMapCache[*kernel.PoolingFwdPlan]("pooling_fwd"),
		poolBwd: cache.NewMapCache[*kernel.PoolingBwdPlan]("pooling_bwd"),
		bnFwd:   cache.NewMapCache[*kernel.BNFwdPlan]("bn_fwd"),
		bnBwd:   cache.NewMapCache[*kernel.BNBwdPlan]("bn_bwd"),
	}
	b.pooling = &Pooling2D{b: b}
	b.bn = &BatchNorm{b: b}
	return b
}

var (
	defaultOnce    sync.Once
	defaultBackend *Backend
)

// Default returns the process-wide backend built with DefaultOptions.
func Default() *Backend {
	defaultOnce.Do(func() {
		defaultBackend = NewBackend(DefaultOptions())
	})
	return defaultBackend
}

func (b *Backend) Options() Options { return b.opts }

func (b *Backend) Pooling2D() *Pooling2D { return b.pooling }

func (b *Backend) BatchNorm() *BatchNorm { return b.bn }

// Reorder returns a copy of t laid out as f.
func (b *Backend) Reorder(t tensor.Tensor, f layout.Format) (*tensor.CPUTensor, error) {
	if !present(t) {
		return nil, ErrShapeMismatch
	}
	return b.reorder.To(t, f)
}

// Stats is a snapshot of the plan cache sizes.
type Stats struct {
	PoolingFwdPlans int `json:"pooling_fwd_plans" cbor:"pooling_fwd_plans"`
	PoolingBwdPlans int `json:"pooling_bwd_plans" cbor:"pooling_bwd_plans"`
	BNFwdPlans      int `json:"bn_fwd_plans" cbor:"bn_fwd_plans"`
	BNBwdPlans      int `json:"bn_bwd_plans" cbor:"bn_bwd_plans"`
	ReorderPlans    int `json:"reorder_plans" cbor:"reorder_plans"`
}

func (b *Backend) Stats() Stats {
	return Stats{
		PoolingFwdPlans: b.poolFwd.Len(),
		PoolingBwdPlans: b.poolBwd.Len(),
		BNFwdPlans:      b.bnFwd.Len(),
		BNBwdPlans:      b.bnBwd.Len(),
		ReorderPlans:    b.reorder.Len(),
	}
}

// planFor looks up or builds the plan for sig.
func planFor[S any, P any](c cache.PlanCache[P], sig S, build func(S) (P, error)) (P, error) {
	key, err := cache.Key(sig)
	if err != nil {
		var zero P
		return zero, err
	}
	return c.GetOrCreate(key, func() (P, error) { return build(sig) })
}

// scope collects temporary buffers of one call.
type scope struct {
	bufs []*reorder.Buffer
}

func (s *scope) release() {
	for _, b := range s.bufs {
		b.Release()
	}
	s.bufs = nil
}

// input returns t's buffer in the required format, converting it into a
// scope-owned temporary when the layouts differ.
func (b *Backend) input(s *scope, name string, t tensor.Tensor, required layout.Format) ([]byte, error) {
	if !reorder.NeedsReorder(t.Format(), required) {
		log.Debug().Str("input", name).Stringer("format", required).Msg("format matched")
		return t.Data(), nil
	}
	log.Debug().Str("input", name).Stringer("from", t.Format()).Stringer("to", required).Msg("reorder needed")
	buf, err := b.reorder.Reorder(t.Dims(), t.Format(), required, t.DataType(), t.Data())
	if err != nil {
		return nil, err
	}
	s.bufs = append(s.bufs, buf)
	return buf.Bytes(), nil
}

// logicalAll reads each present tensor in logical order; absent ones stay nil.
func logicalAll(ts ...tensor.Tensor) ([][]float32, error) {
	out := make([][]float32, len(ts))
	for i, t := range ts {
		if !present(t) {
			continue
		}
		v, err := tensor.Logical(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// present reports whether an optional tensor argument was supplied.
func present(t tensor.Tensor) bool {
	if t == nil {
		return false
	}
	if ct, ok := t.(*tensor.CPUTensor); ok && ct == nil {
		return false
	}
	return true
}
