package kernel

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Algorithm selects the pooling reduction.
type Algorithm int

const (
	PoolingMax Algorithm = iota
	PoolingAvgIncludePadding
	PoolingAvgExcludePadding
)

func (a Algorithm) String() string {
	switch a {
	case PoolingMax:
		return "max"
	case PoolingAvgIncludePadding:
		return "avg_include_padding"
	case PoolingAvgExcludePadding:
		return "avg_exclude_padding"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm accepts the String names; plain "avg" means exclude padding.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "max":
		return PoolingMax, nil
	case "avg_include_padding":
		return PoolingAvgIncludePadding, nil
	case "avg", "avg_exclude_padding":
		return PoolingAvgExcludePadding, nil
	}
	return 0, fmt.Errorf("kernel: unknown pooling algorithm %q", s)
}

// PoolingDesc is the window geometry shared by forward and backward.
type PoolingDesc struct {
	KH, KW       int
	SY, SX       int
	PadLH, PadLW int
	PadRH, PadRW int
	Algo         Algorithm
}

// OutputSize is the standard pooling output extent.
// It is 0 for a non-positive stride.
func OutputSize(in, k, stride, padL, padR int) int {
	if stride <= 0 {
		return 0
	}
	return (in+padL+padR-k)/stride + 1
}

func (p PoolingDesc) check(src, dst [4]int) error {
	if p.KH <= 0 || p.KW <= 0 || p.SY <= 0 || p.SX <= 0 {
		return unsupported("kernel %dx%d stride %dx%d", p.KH, p.KW, p.SY, p.SX)
	}
	if p.PadLH < 0 || p.PadLW < 0 || p.PadRH < 0 || p.PadRW < 0 {
		return unsupported("negative padding")
	}
	if p.PadLH >= p.KH || p.PadRH >= p.KH || p.PadLW >= p.KW || p.PadRW >= p.KW {
		return unsupported("padding must be smaller than the kernel")
	}
	switch p.Algo {
	case PoolingMax, PoolingAvgIncludePadding, PoolingAvgExcludePadding:
	default:
		return unsupported("pooling algorithm %v", p.Algo)
	}
	for _, d := range src {
		if d <= 0 {
			return unsupported("source dims %v", src)
		}
	}
	if p.KH > src[2]+p.PadLH+p.PadRH || p.KW > src[3]+p.PadLW+p.PadRW {
		return unsupported("kernel %dx%d too large for input %dx%d", p.KH, p.KW, src[2], src[3])
	}
	want := [4]int{
		src[0], src[1],
		OutputSize(src[2], p.KH, p.SY, p.PadLH, p.PadRH),
		OutputSize(src[3], p.KW, p.SX, p.PadLW, p.PadRW),
	}
	if dst != want {
		return unsupported("destination dims %v, expected %v", dst, want)
	}
	return nil
}

func poolingDescs(src, dst [4]int, f layout.Format) (layout.Desc, layout.Desc, error) {
	s, err := layout.NewDesc(src[:], f)
	if err != nil {
		return layout.Desc{}, layout.Desc{}, unsupported("%v", err)
	}
	d, err := layout.NewDesc(dst[:], f)
	if err != nil {
		return layout.Desc{}, layout.Desc{}, unsupported("%v", err)
	}
	return s, d, nil
}

// WorkspaceType is the element type of the max-pooling workspace for a
// window of the given size.
func WorkspaceType(window int) tensor.DataType {
	if window < 256 {
		return tensor.Uint8
	}
	return tensor.Int32
}

// WorkspaceSpec describes the auxiliary max-pooling tensor.
type WorkspaceSpec struct {
	Dims [4]int
	Type tensor.DataType
}

// PoolingFwdSig identifies a forward pooling plan.
type PoolingFwdSig struct {
	Src, Dst [4]int
	Pool     PoolingDesc
}

// PoolingBwdSig identifies a backward pooling plan. Workspace is nil for the
// average algorithms.
type PoolingBwdSig struct {
	DiffSrc, DiffDst [4]int
	Workspace        *WorkspaceSpec
	Pool             PoolingDesc
}

// window clips one output position's window. lo/hi are clipped to the input;
// span is the window size clipped only to the padded extent.
type window struct {
	hs, he, ws, we int
	span           int
}

func (p PoolingDesc) window(oh, ow, ih, iw int) window {
	hs := oh*p.SY - p.PadLH
	ws := ow*p.SX - p.PadLW
	he := min(hs+p.KH, ih+p.PadRH)
	we := min(ws+p.KW, iw+p.PadRW)
	span := (he - hs) * (we - ws)
	return window{
		hs: max(hs, 0), he: min(he, ih),
		ws: max(ws, 0), we: min(we, iw),
		span: span,
	}
}

func (p PoolingDesc) divisor(win window) int {
	if p.Algo == PoolingAvgIncludePadding {
		return win.span
	}
	return (win.he - win.hs) * (win.we - win.ws)
}

// PoolingFwdPlan is an immutable forward pooling plan.
type PoolingFwdPlan struct {
	sig       PoolingFwdSig
	src, dst  layout.Desc
	workspace *WorkspaceSpec
	wsDesc    layout.Desc
	eng       *Engine
}

var _ Plan = (*PoolingFwdPlan)(nil)

// NewPoolingFwd builds a forward plan. Source and destination share the
// engine's native format for the channel count.
func (e *Engine) NewPoolingFwd(sig PoolingFwdSig) (*PoolingFwdPlan, error) {
	if err := sig.Pool.check(sig.Src, sig.Dst); err != nil {
		return nil, err
	}
	f := e.NativeFormat(sig.Src[1])
	src, dst, err := poolingDescs(sig.Src, sig.Dst, f)
	if err != nil {
		return nil, err
	}
	p := &PoolingFwdPlan{sig: sig, src: src, dst: dst, eng: e}
	if sig.Pool.Algo == PoolingMax {
		p.workspace = &WorkspaceSpec{Dims: sig.Dst, Type: WorkspaceType(sig.Pool.KH * sig.Pool.KW)}
		p.wsDesc = p.dst
	}
	plansBuilt.WithLabelValues("pooling_fwd").Inc()
	return p, nil
}

func (p *PoolingFwdPlan) Signature() PoolingFwdSig { return p.sig }

func (p *PoolingFwdPlan) SrcFormat() layout.Format { return p.src.Format() }

func (p *PoolingFwdPlan) DstFormat() layout.Format { return p.dst.Format() }

// Workspace returns the workspace spec and format; ok is false unless the
// algorithm is max.
func (p *PoolingFwdPlan) Workspace() (spec WorkspaceSpec, f layout.Format, ok bool) {
	if p.workspace == nil {
		return WorkspaceSpec{}, layout.Undef, false
	}
	return *p.workspace, p.wsDesc.Format(), true
}

func (p *PoolingFwdPlan) RequiredInputFormats() []layout.Format {
	return []layout.Format{p.src.Format()}
}

func (p *PoolingFwdPlan) NativeOutputFormats() []layout.Format {
	if p.workspace != nil {
		return []layout.Format{p.dst.Format(), p.wsDesc.Format()}
	}
	return []layout.Format{p.dst.Format()}
}

// Execute pools src into dst. ws must be supplied for max pooling and is
// ignored otherwise.
func (p *PoolingFwdPlan) Execute(src, dst, ws []byte) error {
	if err := checkLen("src", src, p.src, tensor.Float32); err != nil {
		return err
	}
	if err := checkLen("dst", dst, p.dst, tensor.Float32); err != nil {
		return err
	}
	if p.workspace != nil {
		if ws == nil {
			return fmt.Errorf("%w: max pooling needs a workspace buffer", ErrBufferSize)
		}
		if err := checkLen("workspace", ws, p.wsDesc, p.workspace.Type); err != nil {
			return err
		}
	}

	in := tensor.AsFloat32(src)
	out := tensor.AsFloat32(dst)
	si, di := p.src.Index(), p.dst.Index()
	pd := p.sig.Pool
	C, IH, IW := p.sig.Src[1], p.sig.Src[2], p.sig.Src[3]
	OH, OW := p.sig.Dst[2], p.sig.Dst[3]

	var mark func(off, pos int)
	if p.workspace != nil {
		if p.workspace.Type == tensor.Uint8 {
			mark = func(off, pos int) { ws[off] = byte(pos) }
		} else {
			idx := tensor.AsInt32(ws)
			mark = func(off, pos int) { idx[off] = int32(pos) }
		}
	}

	p.eng.parallel(p.sig.Src[0]*C, func(i int) {
		n, c := i/C, i%C
		for oh := 0; oh < OH; oh++ {
			for ow := 0; ow < OW; ow++ {
				win := pd.window(oh, ow, IH, IW)
				off := di.At(n, c, oh, ow)

				if pd.Algo == PoolingMax {
					h0, w0 := oh*pd.SY-pd.PadLH, ow*pd.SX-pd.PadLW
					// windows always hold at least one input element since padding < kernel
					best := in[si.At(n, c, win.hs, win.ws)]
					pos := (win.hs-h0)*pd.KW + (win.ws - w0)
					for h := win.hs; h < win.he; h++ {
						for w := win.ws; w < win.we; w++ {
							if v := in[si.At(n, c, h, w)]; v > best {
								best = v
								pos = (h-h0)*pd.KW + (w - w0)
							}
						}
					}
					out[off] = best
					mark(off, pos)
					continue
				}

				var sum float32
				for h := win.hs; h < win.he; h++ {
					for w := win.ws; w < win.we; w++ {
						sum += in[si.At(n, c, h, w)]
					}
				}
				if d := pd.divisor(win); d > 0 {
					out[off] = sum / float32(d)
				} else {
					out[off] = 0
				}
			}
		}
	})
	executions.WithLabelValues("pooling_fwd").Inc()
	return nil
}

// PoolingBwdPlan is an immutable backward pooling plan.
type PoolingBwdPlan struct {
	sig              PoolingBwdSig
	diffSrc, diffDst layout.Desc
	wsDesc           layout.Desc
	eng              *Engine
}

var _ Plan = (*PoolingBwdPlan)(nil)

// NewPoolingBwd builds a backward plan. Max pooling requires a workspace
// spec matching the destination dims; the average algorithms must not carry
// one.
func (e *Engine) NewPoolingBwd(sig PoolingBwdSig) (*PoolingBwdPlan, error) {
	if err := sig.Pool.check(sig.DiffSrc, sig.DiffDst); err != nil {
		return nil, err
	}
	isMax := sig.Pool.Algo == PoolingMax
	switch {
	case isMax && sig.Workspace == nil:
		return nil, unsupported("max pooling backward without workspace")
	case !isMax && sig.Workspace != nil:
		return nil, unsupported("%v pooling backward takes no workspace", sig.Pool.Algo)
	case isMax && sig.Workspace.Dims != sig.DiffDst:
		return nil, unsupported("workspace dims %v, expected %v", sig.Workspace.Dims, sig.DiffDst)
	case isMax && sig.Workspace.Type != tensor.Uint8 && sig.Workspace.Type != tensor.Int32:
		return nil, unsupported("workspace type %s", sig.Workspace.Type)
	}

	f := e.NativeFormat(sig.DiffSrc[1])
	diffSrc, diffDst, err := poolingDescs(sig.DiffSrc, sig.DiffDst, f)
	if err != nil {
		return nil, err
	}
	p := &PoolingBwdPlan{sig: sig, diffSrc: diffSrc, diffDst: diffDst, eng: e}
	if isMax {
		p.wsDesc = p.diffDst
	}
	plansBuilt.WithLabelValues("pooling_bwd").Inc()
	return p, nil
}

func (p *PoolingBwdPlan) Signature() PoolingBwdSig { return p.sig }

func (p *PoolingBwdPlan) DiffDstFormat() layout.Format { return p.diffDst.Format() }

func (p *PoolingBwdPlan) DiffSrcFormat() layout.Format { return p.diffSrc.Format() }

// WorkspaceFormat is Undef for the average algorithms.
func (p *PoolingBwdPlan) WorkspaceFormat() layout.Format { return p.wsDesc.Format() }

func (p *PoolingBwdPlan) RequiredInputFormats() []layout.Format {
	if p.sig.Workspace != nil {
		return []layout.Format{p.diffDst.Format(), p.wsDesc.Format()}
	}
	return []layout.Format{p.diffDst.Format()}
}

func (p *PoolingBwdPlan) NativeOutputFormats() []layout.Format {
	return []layout.Format{p.diffSrc.Format()}
}

// Execute scatters diffDst back over the source windows into diffSrc.
func (p *PoolingBwdPlan) Execute(diffSrc, diffDst, ws []byte) error {
	if err := checkLen("diff_src", diffSrc, p.diffSrc, tensor.Float32); err != nil {
		return err
	}
	if err := checkLen("diff_dst", diffDst, p.diffDst, tensor.Float32); err != nil {
		return err
	}
	if p.sig.Workspace != nil {
		if ws == nil {
			return fmt.Errorf("%w: max pooling backward needs the forward workspace", ErrBufferSize)
		}
		if err := checkLen("workspace", ws, p.wsDesc, p.sig.Workspace.Type); err != nil {
			return err
		}
	}

	clear(diffSrc)
	gradIn := tensor.AsFloat32(diffSrc)
	gradOut := tensor.AsFloat32(diffDst)
	si, di := p.diffSrc.Index(), p.diffDst.Index()
	pd := p.sig.Pool
	C, IH, IW := p.sig.DiffSrc[1], p.sig.DiffSrc[2], p.sig.DiffSrc[3]
	OH, OW := p.sig.DiffDst[2], p.sig.DiffDst[3]

	var position func(off int) int
	if p.sig.Workspace != nil {
		if p.sig.Workspace.Type == tensor.Uint8 {
			position = func(off int) int { return int(ws[off]) }
		} else {
			idx := tensor.AsInt32(ws)
			position = func(off int) int { return int(idx[off]) }
		}
	}

	// Each (n, c) plane of diffSrc is written by exactly one work item.
	p.eng.parallel(p.sig.DiffSrc[0]*C, func(i int) {
		n, c := i/C, i%C
		for oh := 0; oh < OH; oh++ {
			for ow := 0; ow < OW; ow++ {
				off := di.At(n, c, oh, ow)
				g := gradOut[off]

				if pd.Algo == PoolingMax {
					pos := position(off)
					h := oh*pd.SY - pd.PadLH + pos/pd.KW
					w := ow*pd.SX - pd.PadLW + pos%pd.KW
					if h >= 0 && h < IH && w >= 0 && w < IW {
						gradIn[si.At(n, c, h, w)] += g
					}
					continue
				}

				win := pd.window(oh, ow, IH, IW)
				d := pd.divisor(win)
				if d == 0 {
					continue
				}
				share := g / float32(d)
				for h := win.hs; h < win.he; h++ {
					for w := win.ws; w < win.we; w++ {
						gradIn[si.At(n, c, h, w)] += share
					}
				}
			}
		}
	})
	executions.WithLabelValues("pooling_bwd").Inc()
	return nil
}
