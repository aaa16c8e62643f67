package primitive

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-nock/internal/cosim"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// PoolingParams describes one 2-D pooling layer.
type PoolingParams struct {
	SrcDims, DstDims [4]int
	kernel.PoolingDesc
}

// Infer returns p with DstDims computed from SrcDims and the window. A
// non-positive stride leaves DstDims zero for plan construction to reject.
func (p PoolingParams) Infer() PoolingParams {
	if p.SY <= 0 || p.SX <= 0 {
		p.DstDims = [4]int{}
		return p
	}
	p.DstDims = [4]int{
		p.SrcDims[0], p.SrcDims[1],
		kernel.OutputSize(p.SrcDims[2], p.KH, p.SY, p.PadLH, p.PadRH),
		kernel.OutputSize(p.SrcDims[3], p.KW, p.SX, p.PadLW, p.PadRW),
	}
	return p
}

// check verifies DstDims against the output-size formula. Geometry that
// cannot form a plan at all is left for the kernel engine to reject.
func (p PoolingParams) check() error {
	if p.SY <= 0 || p.SX <= 0 {
		return nil
	}
	if want := p.Infer().DstDims; want != p.DstDims {
		return fmt.Errorf("%w: destination dims %v, window gives %v", ErrShapeMismatch, p.DstDims, want)
	}
	return nil
}

// Pooling2D runs 2-D max and average pooling.
type Pooling2D struct {
	b *Backend
}

// Forward pools src. It returns [dst] for the average algorithms and
// [dst, workspace] for max pooling.
func (op *Pooling2D) Forward(src tensor.Tensor, p PoolingParams) (out []*tensor.CPUTensor, err error) {
	defer observe("pooling2d", "forward", time.Now(), &err)

	if !present(src) {
		return nil, fmt.Errorf("%w: missing source", ErrShapeMismatch)
	}
	if err := sameDims("src", src.Dims(), p.SrcDims[:]); err != nil {
		return nil, err
	}
	if err := float32Only("src", src); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}

	b := op.b
	plan, err := planFor(b.poolFwd, kernel.PoolingFwdSig{Src: p.SrcDims, Dst: p.DstDims, Pool: p.PoolingDesc}, b.engine.NewPoolingFwd)
	if err != nil {
		return nil, err
	}

	var s scope
	defer s.release()
	in, err := b.input(&s, "src", src, plan.SrcFormat())
	if err != nil {
		return nil, err
	}

	dst, err := tensor.New(p.DstDims[:], tensor.Float32, plan.DstFormat())
	if err != nil {
		return nil, err
	}
	var ws *tensor.CPUTensor
	var wsBuf []byte
	if spec, f, ok := plan.Workspace(); ok {
		if ws, err = tensor.New(spec.Dims[:], spec.Type, f); err != nil {
			return nil, err
		}
		wsBuf = ws.Data()
	}
	if err := plan.Execute(in, dst.Data(), wsBuf); err != nil {
		return nil, err
	}

	if b.opts.Cosim {
		vals, err := logicalAll(src)
		if err != nil {
			return nil, err
		}
		want, wantWS := cosim.PoolingForward(vals[0], p.SrcDims, p.DstDims, p.PoolingDesc)
		checks := []cosim.Check{{Name: "pooling dst", Got: dst.ToFloat32(), Want: want}}
		if ws != nil {
			checks = append(checks, cosim.Check{Name: "pooling workspace", Got: ws.ToFloat32(), Want: wantWS})
		}
		if err := cosim.CompareAll(context.Background(), b.opts.CosimTolerance, checks...); err != nil {
			return nil, err
		}
	}

	if ws != nil {
		return []*tensor.CPUTensor{dst, ws}, nil
	}
	return []*tensor.CPUTensor{dst}, nil
}

// Backward propagates diffDst to the source. ws is the workspace returned by
// Forward; it is required for max pooling and ignored otherwise.
func (op *Pooling2D) Backward(diffDst, ws tensor.Tensor, p PoolingParams) (out []*tensor.CPUTensor, err error) {
	defer observe("pooling2d", "backward", time.Now(), &err)

	if !present(diffDst) {
		return nil, fmt.Errorf("%w: missing diff_dst", ErrShapeMismatch)
	}
	if err := sameDims("diff_dst", diffDst.Dims(), p.DstDims[:]); err != nil {
		return nil, err
	}
	if err := float32Only("diff_dst", diffDst); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}

	sig := kernel.PoolingBwdSig{DiffSrc: p.SrcDims, DiffDst: p.DstDims, Pool: p.PoolingDesc}
	if p.Algo == kernel.PoolingMax {
		if !present(ws) {
			return nil, ErrWorkspaceRequired
		}
		if err := sameDims("workspace", ws.Dims(), p.DstDims[:]); err != nil {
			return nil, err
		}
		if dt := ws.DataType(); dt != tensor.Uint8 && dt != tensor.Int32 {
			return nil, fmt.Errorf("%w: workspace is %s, want uint8 or int32", ErrTypeMismatch, dt)
		}
		sig.Workspace = &kernel.WorkspaceSpec{Dims: p.DstDims, Type: ws.DataType()}
	}

	b := op.b
	plan, err := planFor(b.poolBwd, sig, b.engine.NewPoolingBwd)
	if err != nil {
		return nil, err
	}

	var s scope
	defer s.release()
	gradOut, err := b.input(&s, "diff_dst", diffDst, plan.DiffDstFormat())
	if err != nil {
		return nil, err
	}
	var wsBuf []byte
	if sig.Workspace != nil {
		if wsBuf, err = b.input(&s, "workspace", ws, plan.WorkspaceFormat()); err != nil {
			return nil, err
		}
	}

	diffSrc, err := tensor.New(p.SrcDims[:], tensor.Float32, plan.DiffSrcFormat())
	if err != nil {
		return nil, err
	}
	if err := plan.Execute(diffSrc.Data(), gradOut, wsBuf); err != nil {
		return nil, err
	}

	if b.opts.Cosim {
		var wsIn tensor.Tensor
		if sig.Workspace != nil {
			wsIn = ws
		}
		vals, err := logicalAll(diffDst, wsIn)
		if err != nil {
			return nil, err
		}
		want := cosim.PoolingBackward(vals[0], vals[1], p.SrcDims, p.DstDims, p.PoolingDesc)
		if err := cosim.Compare("pooling diff_src", diffSrc.ToFloat32(), want, b.opts.CosimTolerance); err != nil {
			return nil, err
		}
	}
	return []*tensor.CPUTensor{diffSrc}, nil
}

func sameDims(name string, got, want []int) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: %s has rank %d, want %d", ErrShapeMismatch, name, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("%w: %s dims %v, want %v", ErrShapeMismatch, name, got, want)
		}
	}
	return nil
}

func float32Only(name string, t tensor.Tensor) error {
	if t.DataType() != tensor.Float32 {
		return fmt.Errorf("%w: %s is %s, want float32", ErrTypeMismatch, name, t.DataType())
	}
	return nil
}

func observe(op, direction string, start time.Time, err *error) {
	primitiveDuration.WithLabelValues(op, direction).Observe(time.Since(start).Seconds())
	if *err != nil {
		primitiveErrors.WithLabelValues(op, direction).Inc()
	}
}
