package kernel

import (
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// ReorderSig identifies a layout conversion.
type ReorderSig struct {
	Dims     []int
	Src, Dst layout.Format
	Type     tensor.DataType
}

// ReorderPlan copies every logical element from one physical layout to
// another. Padding lanes of a blocked destination are zeroed.
type ReorderPlan struct {
	sig      ReorderSig
	src, dst layout.Desc
	eng      *Engine
}

var _ Plan = (*ReorderPlan)(nil)

func (e *Engine) NewReorder(sig ReorderSig) (*ReorderPlan, error) {
	switch sig.Type {
	case tensor.Float32, tensor.Int32, tensor.Uint8:
	default:
		return nil, unsupported("reorder of %s", sig.Type)
	}
	src, err := layout.NewDesc(sig.Dims, sig.Src)
	if err != nil {
		return nil, unsupported("%v", err)
	}
	dst, err := layout.NewDesc(sig.Dims, sig.Dst)
	if err != nil {
		return nil, unsupported("%v", err)
	}
	sig.Dims = src.Dims()
	plansBuilt.WithLabelValues("reorder").Inc()
	return &ReorderPlan{sig: sig, src: src, dst: dst, eng: e}, nil
}

func (p *ReorderPlan) Signature() ReorderSig { return p.sig }

func (p *ReorderPlan) SrcDesc() layout.Desc { return p.src }

func (p *ReorderPlan) DstDesc() layout.Desc { return p.dst }

// DstBytes is the size of the destination buffer.
func (p *ReorderPlan) DstBytes() int { return p.dst.Bytes(p.sig.Type.Size()) }

func (p *ReorderPlan) RequiredInputFormats() []layout.Format {
	return []layout.Format{p.src.Format()}
}

func (p *ReorderPlan) NativeOutputFormats() []layout.Format {
	return []layout.Format{p.dst.Format()}
}

func (p *ReorderPlan) Execute(src, dst []byte) error {
	if err := checkLen("src", src, p.src, p.sig.Type); err != nil {
		return err
	}
	if err := checkLen("dst", dst, p.dst, p.sig.Type); err != nil {
		return err
	}
	defer executions.WithLabelValues("reorder").Inc()

	if p.src.Equal(p.dst) {
		copy(dst, src)
		return nil
	}
	if p.dst.PaddedElements() != p.dst.NumElements() {
		clear(dst)
	}

	d := p.src.Dims4()
	si, di := p.src.Index(), p.dst.Index()
	C, H, W := d[1], d[2], d[3]

	var move func(from, to int)
	if p.sig.Type.Size() == 4 {
		in, out := tensor.AsInt32(src), tensor.AsInt32(dst)
		move = func(from, to int) { out[to] = in[from] }
	} else {
		move = func(from, to int) { dst[to] = src[from] }
	}

	p.eng.parallel(d[0]*C, func(i int) {
		n, c := i/C, i%C
		for h := 0; h < H; h++ {
			for w := 0; w < W; w++ {
				move(si.At(n, c, h, w), di.At(n, c, h, w))
			}
		}
	})
	return nil
}
