package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// BNFwdSig identifies a forward batch-normalization plan.
type BNFwdSig struct {
	Src         []int
	Eps         float32
	ScaleShift  bool
	GlobalStats bool
	Training    bool
}

// BNBwdSig identifies a backward batch-normalization plan.
type BNBwdSig struct {
	Src, DiffDst []int
	Eps          float32
	ScaleShift   bool
}

// bnGeometry is the per-channel view shared by both directions. Every
// (n, c) plane of a supported format is one strided run of H*W elements.
type bnGeometry struct {
	data  layout.Desc
	stats layout.Desc // [C], x
	w     layout.Desc // [2, C], nc
	n, c  int
	plane int
	inc   int
	ones  blas32.Vector
}

func (e *Engine) bnGeometry(dims []int, eps float32) (bnGeometry, error) {
	var f layout.Format
	switch len(dims) {
	case 2:
		f = layout.NC
	case 4:
		f = e.NativeFormat(dims[1])
	default:
		return bnGeometry{}, unsupported("batch normalization of rank %d", len(dims))
	}
	if !(eps > 0) || math.IsInf(float64(eps), 0) {
		return bnGeometry{}, unsupported("epsilon %v", eps)
	}
	data, err := layout.NewDesc(dims, f)
	if err != nil {
		return bnGeometry{}, unsupported("%v", err)
	}
	d := data.Dims4()
	stats, err := layout.NewDesc([]int{d[1]}, layout.X)
	if err != nil {
		return bnGeometry{}, unsupported("%v", err)
	}
	w, err := layout.NewDesc([]int{2, d[1]}, layout.NC)
	if err != nil {
		return bnGeometry{}, unsupported("%v", err)
	}
	g := bnGeometry{
		data:  data,
		stats: stats,
		w:     w,
		n:     d[0],
		c:     d[1],
		plane: d[2] * d[3],
		inc:   data.Index().WStride(),
	}
	if len(dims) == 2 {
		// NC: a channel is one element per batch row.
		g.plane = 1
		g.inc = 1
	}
	ones := make([]float32, g.plane)
	for i := range ones {
		ones[i] = 1
	}
	g.ones = blas32.Vector{N: g.plane, Inc: 1, Data: ones}
	return g, nil
}

// run returns the strided vector of channel c in batch row n.
func (g *bnGeometry) run(data []float32, ix layout.Index, n, c int) blas32.Vector {
	base := ix.At(n, c, 0, 0)
	return blas32.Vector{N: g.plane, Inc: g.inc, Data: data[base : base+(g.plane-1)*g.inc+1]}
}

func (g *bnGeometry) count() float64 { return float64(g.n * g.plane) }

// BNFwdPlan is an immutable forward batch-normalization plan.
type BNFwdPlan struct {
	sig BNFwdSig
	g   bnGeometry
	eng *Engine
}

var _ Plan = (*BNFwdPlan)(nil)

// NewBNFwd builds a forward plan. Training and global statistics are
// mutually exclusive; with neither, statistics are computed but not
// returned.
func (e *Engine) NewBNFwd(sig BNFwdSig) (*BNFwdPlan, error) {
	if sig.Training && sig.GlobalStats {
		return nil, unsupported("training with global statistics")
	}
	g, err := e.bnGeometry(sig.Src, sig.Eps)
	if err != nil {
		return nil, err
	}
	sig.Src = append([]int(nil), sig.Src...)
	plansBuilt.WithLabelValues("bn_fwd").Inc()
	return &BNFwdPlan{sig: sig, g: g, eng: e}, nil
}

func (p *BNFwdPlan) SrcFormat() layout.Format { return p.g.data.Format() }

func (p *BNFwdPlan) DstFormat() layout.Format { return p.g.data.Format() }

// StatsDims are the extents of the mean and variance tensors.
func (p *BNFwdPlan) StatsDims() []int { return p.g.stats.Dims() }

func (p *BNFwdPlan) StatsFormat() layout.Format { return p.g.stats.Format() }

// WeightsDims are the extents of the combined scale/shift tensor.
func (p *BNFwdPlan) WeightsDims() []int { return p.g.w.Dims() }

func (p *BNFwdPlan) WeightsFormat() layout.Format { return p.g.w.Format() }

func (p *BNFwdPlan) RequiredInputFormats() []layout.Format {
	in := []layout.Format{p.g.data.Format()}
	if p.sig.ScaleShift {
		in = append(in, p.g.w.Format())
	}
	if p.sig.GlobalStats {
		in = append(in, p.g.stats.Format(), p.g.stats.Format())
	}
	return in
}

func (p *BNFwdPlan) NativeOutputFormats() []layout.Format {
	out := []layout.Format{p.g.data.Format()}
	if p.sig.Training {
		out = append(out, p.g.stats.Format(), p.g.stats.Format())
	}
	return out
}

// Execute normalizes src into dst. In training mode mean and variance are
// outputs; with global statistics they are inputs; otherwise they may be
// nil. w is required iff the plan uses scale/shift.
func (p *BNFwdPlan) Execute(src, w, dst, mean, variance []byte) error {
	g := &p.g
	if err := checkLen("src", src, g.data, tensor.Float32); err != nil {
		return err
	}
	if err := checkLen("dst", dst, g.data, tensor.Float32); err != nil {
		return err
	}
	if p.sig.ScaleShift {
		if err := checkLen("scale_shift", w, g.w, tensor.Float32); err != nil {
			return err
		}
	}
	if p.sig.Training || p.sig.GlobalStats {
		if err := checkLen("mean", mean, g.stats, tensor.Float32); err != nil {
			return err
		}
		if err := checkLen("variance", variance, g.stats, tensor.Float32); err != nil {
			return err
		}
	}

	x := tensor.AsFloat32(src)
	y := tensor.AsFloat32(dst)
	ix := g.data.Index()

	var meanV, varV, weights []float32
	if mean != nil {
		meanV = tensor.AsFloat32(mean)
	} else {
		meanV = make([]float32, g.c)
	}
	if variance != nil {
		varV = tensor.AsFloat32(variance)
	} else {
		varV = make([]float32, g.c)
	}
	if p.sig.ScaleShift {
		weights = tensor.AsFloat32(w)
	}
	eps := float64(p.sig.Eps)

	p.eng.parallel(g.c, func(c int) {
		if !p.sig.GlobalStats {
			var sum float64
			for n := 0; n < g.n; n++ {
				sum += float64(blas32.Dot(g.run(x, ix, n, c), g.ones))
			}
			m := sum / g.count()

			var sq float64
			for n := 0; n < g.n; n++ {
				v := g.run(x, ix, n, c)
				for k := 0; k < v.N; k++ {
					d := float64(v.Data[k*v.Inc]) - m
					sq += d * d
				}
			}
			meanV[c] = float32(m)
			varV[c] = float32(sq / g.count())
		}

		invStd := 1 / math.Sqrt(float64(varV[c])+eps)
		scale, shift := 1.0, 0.0
		if weights != nil {
			scale, shift = float64(weights[c]), float64(weights[g.c+c])
		}
		a := float32(scale * invStd)
		b := float32(shift - float64(meanV[c])*scale*invStd)
		for n := 0; n < g.n; n++ {
			in := g.run(x, ix, n, c)
			out := g.run(y, ix, n, c)
			for k := 0; k < in.N; k++ {
				out.Data[k*out.Inc] = in.Data[k*in.Inc]*a + b
			}
		}
	})
	executions.WithLabelValues("bn_fwd").Inc()
	return nil
}

// BNBwdPlan is an immutable backward batch-normalization plan.
type BNBwdPlan struct {
	sig BNBwdSig
	g   bnGeometry
	eng *Engine
}

var _ Plan = (*BNBwdPlan)(nil)

// NewBNBwd builds a backward plan; diff_dst must have the source extents.
func (e *Engine) NewBNBwd(sig BNBwdSig) (*BNBwdPlan, error) {
	if !layout.DimsEqual(sig.Src, sig.DiffDst) {
		return nil, unsupported("diff_dst dims %v, source dims %v", sig.DiffDst, sig.Src)
	}
	g, err := e.bnGeometry(sig.Src, sig.Eps)
	if err != nil {
		return nil, err
	}
	sig.Src = append([]int(nil), sig.Src...)
	sig.DiffDst = append([]int(nil), sig.DiffDst...)
	plansBuilt.WithLabelValues("bn_bwd").Inc()
	return &BNBwdPlan{sig: sig, g: g, eng: e}, nil
}

func (p *BNBwdPlan) SrcFormat() layout.Format { return p.g.data.Format() }

func (p *BNBwdPlan) DiffDstFormat() layout.Format { return p.g.data.Format() }

func (p *BNBwdPlan) DiffSrcFormat() layout.Format { return p.g.data.Format() }

func (p *BNBwdPlan) StatsFormat() layout.Format { return p.g.stats.Format() }

func (p *BNBwdPlan) StatsDims() []int { return p.g.stats.Dims() }

func (p *BNBwdPlan) WeightsFormat() layout.Format { return p.g.w.Format() }

func (p *BNBwdPlan) WeightsDims() []int { return p.g.w.Dims() }

func (p *BNBwdPlan) RequiredInputFormats() []layout.Format {
	in := []layout.Format{p.g.data.Format(), p.g.data.Format(), p.g.stats.Format(), p.g.stats.Format()}
	if p.sig.ScaleShift {
		in = append(in, p.g.w.Format())
	}
	return in
}

func (p *BNBwdPlan) NativeOutputFormats() []layout.Format {
	if p.sig.ScaleShift {
		return []layout.Format{p.g.data.Format(), p.g.w.Format()}
	}
	return []layout.Format{p.g.data.Format()}
}

// Execute computes diffSrc and, with scale/shift, diffW = [diff_scale;
// diff_shift].
func (p *BNBwdPlan) Execute(src, diffDst, mean, variance, w, diffSrc, diffW []byte) error {
	g := &p.g
	for _, b := range []struct {
		name string
		buf  []byte
		desc layout.Desc
	}{
		{"src", src, g.data},
		{"diff_dst", diffDst, g.data},
		{"mean", mean, g.stats},
		{"variance", variance, g.stats},
		{"diff_src", diffSrc, g.data},
	} {
		if err := checkLen(b.name, b.buf, b.desc, tensor.Float32); err != nil {
			return err
		}
	}
	if p.sig.ScaleShift {
		if err := checkLen("scale_shift", w, g.w, tensor.Float32); err != nil {
			return err
		}
		if err := checkLen("diff_scale_shift", diffW, g.w, tensor.Float32); err != nil {
			return err
		}
	}

	x := tensor.AsFloat32(src)
	dy := tensor.AsFloat32(diffDst)
	dx := tensor.AsFloat32(diffSrc)
	meanV := tensor.AsFloat32(mean)
	varV := tensor.AsFloat32(variance)
	var weights, diffWeights []float32
	if p.sig.ScaleShift {
		weights = tensor.AsFloat32(w)
		diffWeights = tensor.AsFloat32(diffW)
	}
	ix := g.data.Index()
	m := g.count()
	eps := float64(p.sig.Eps)

	p.eng.parallel(g.c, func(c int) {
		var sumDy, sumDyX float64
		for n := 0; n < g.n; n++ {
			gv := g.run(dy, ix, n, c)
			sumDy += float64(blas32.Dot(gv, g.ones))
			sumDyX += float64(blas32.Dot(gv, g.run(x, ix, n, c)))
		}
		mu := float64(meanV[c])
		invStd := 1 / math.Sqrt(float64(varV[c])+eps)
		diffScale := (sumDyX - mu*sumDy) * invStd
		diffShift := sumDy

		scale := 1.0
		if weights != nil {
			scale = float64(weights[c])
			diffWeights[c] = float32(diffScale)
			diffWeights[g.c+c] = float32(diffShift)
		}

		k := scale * invStd
		for n := 0; n < g.n; n++ {
			xv := g.run(x, ix, n, c)
			gv := g.run(dy, ix, n, c)
			ov := g.run(dx, ix, n, c)
			for j := 0; j < xv.N; j++ {
				xhat := (float64(xv.Data[j*xv.Inc]) - mu) * invStd
				v := float64(gv.Data[j*gv.Inc]) - diffShift/m - xhat*diffScale/m
				ov.Data[j*ov.Inc] = float32(k * v)
			}
		}
	})
	executions.WithLabelValues("bn_bwd").Inc()
	return nil
}

func (s BNFwdSig) String() string {
	return fmt.Sprintf("bn_fwd%v eps=%g scale_shift=%t global_stats=%t training=%t",
		s.Src, s.Eps, s.ScaleShift, s.GlobalStats, s.Training)
}
