package primitive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/cosim"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// BatchNorm runs batch normalization over the channel axis of 2-D (N,C) or
// 4-D (N,C,H,W) tensors.
type BatchNorm struct {
	b *Backend
}

func checkSrc(name string, t tensor.Tensor) (channels int, err error) {
	if !present(t) {
		return 0, fmt.Errorf("%w: missing %s", ErrShapeMismatch, name)
	}
	if n := t.NDims(); n != 2 && n != 4 {
		return 0, fmt.Errorf("%w: %s has rank %d, want 2 or 4", ErrShapeMismatch, name, n)
	}
	if err := float32Only(name, t); err != nil {
		return 0, err
	}
	return t.Dims()[1], nil
}

func checkParam(name string, t tensor.Tensor, want ...int) error {
	if err := sameDims(name, t.Dims(), want); err != nil {
		return err
	}
	return float32Only(name, t)
}

// Forward normalizes src. w ([2, C]: scales then shifts) is optional. When
// mean is given, mean and variance ([C]) are used as global statistics and
// Forward returns [dst]; otherwise batch statistics are computed and Forward
// returns [dst, mean, variance].
func (op *BatchNorm) Forward(src, w, mean, variance tensor.Tensor, eps float32) (out []*tensor.CPUTensor, err error) {
	defer observe("batch_norm", "forward", time.Now(), &err)

	c, err := checkSrc("src", src)
	if err != nil {
		return nil, err
	}
	scaleShift := present(w)
	if scaleShift {
		if err := checkParam("scale_shift", w, 2, c); err != nil {
			return nil, err
		}
	}
	global := present(mean)
	if global {
		if !present(variance) {
			return nil, fmt.Errorf("%w: mean given without variance", ErrShapeMismatch)
		}
		if err := checkParam("mean", mean, c); err != nil {
			return nil, err
		}
		if err := checkParam("variance", variance, c); err != nil {
			return nil, err
		}
	} else if present(variance) {
		log.Debug().Msg("variance without mean ignored, computing batch statistics")
	}

	b := op.b
	sig := kernel.BNFwdSig{Src: src.Dims(), Eps: eps, ScaleShift: scaleShift, GlobalStats: global, Training: !global}
	plan, err := planFor(b.bnFwd, sig, b.engine.NewBNFwd)
	if err != nil {
		return nil, err
	}

	var s scope
	defer s.release()
	in, err := b.input(&s, "src", src, plan.SrcFormat())
	if err != nil {
		return nil, err
	}
	var wBuf, meanBuf, varBuf []byte
	if scaleShift {
		if wBuf, err = b.input(&s, "scale_shift", w, plan.WeightsFormat()); err != nil {
			return nil, err
		}
	}

	dst, err := tensor.New(src.Dims(), tensor.Float32, plan.DstFormat())
	if err != nil {
		return nil, err
	}
	var outMean, outVar *tensor.CPUTensor
	if global {
		if meanBuf, err = b.input(&s, "mean", mean, plan.StatsFormat()); err != nil {
			return nil, err
		}
		if varBuf, err = b.input(&s, "variance", variance, plan.StatsFormat()); err != nil {
			return nil, err
		}
	} else {
		if outMean, err = tensor.New(plan.StatsDims(), tensor.Float32, plan.StatsFormat()); err != nil {
			return nil, err
		}
		if outVar, err = tensor.New(plan.StatsDims(), tensor.Float32, plan.StatsFormat()); err != nil {
			return nil, err
		}
		meanBuf, varBuf = outMean.Data(), outVar.Data()
	}

	if err := plan.Execute(in, wBuf, dst.Data(), meanBuf, varBuf); err != nil {
		return nil, err
	}

	if b.opts.Cosim {
		var mIn, vIn tensor.Tensor
		if global {
			mIn, vIn = mean, variance
		}
		vals, err := logicalAll(src, w, mIn, vIn)
		if err != nil {
			return nil, err
		}
		want, wantMean, wantVar := cosim.BatchNormForward(vals[0], src.Dims(), vals[1], vals[2], vals[3], eps)
		checks := []cosim.Check{{Name: "bn dst", Got: dst.ToFloat32(), Want: want}}
		if !global {
			checks = append(checks,
				cosim.Check{Name: "bn mean", Got: outMean.ToFloat32(), Want: wantMean},
				cosim.Check{Name: "bn variance", Got: outVar.ToFloat32(), Want: wantVar},
			)
		}
		if err := cosim.CompareAll(context.Background(), b.opts.CosimTolerance, checks...); err != nil {
			return nil, err
		}
	}

	if global {
		return []*tensor.CPUTensor{dst}, nil
	}
	return []*tensor.CPUTensor{dst, outMean, outVar}, nil
}

// Backward returns [diffSrc] or, when w is given, [diffSrc, diffW] with diffW
// shaped like w.
func (op *BatchNorm) Backward(src, diffDst, mean, variance, w tensor.Tensor, eps float32) (out []*tensor.CPUTensor, err error) {
	defer observe("batch_norm", "backward", time.Now(), &err)

	c, err := checkSrc("src", src)
	if err != nil {
		return nil, err
	}
	if _, err := checkSrc("diff_dst", diffDst); err != nil {
		return nil, err
	}
	if err := sameDims("diff_dst", diffDst.Dims(), src.Dims()); err != nil {
		return nil, err
	}
	if !present(mean) || !present(variance) {
		return nil, fmt.Errorf("%w: backward needs mean and variance", ErrShapeMismatch)
	}
	if err := checkParam("mean", mean, c); err != nil {
		return nil, err
	}
	if err := checkParam("variance", variance, c); err != nil {
		return nil, err
	}
	scaleShift := present(w)
	if scaleShift {
		if err := checkParam("scale_shift", w, 2, c); err != nil {
			return nil, err
		}
	}

	b := op.b
	sig := kernel.BNBwdSig{Src: src.Dims(), DiffDst: diffDst.Dims(), Eps: eps, ScaleShift: scaleShift}
	plan, err := planFor(b.bnBwd, sig, b.engine.NewBNBwd)
	if err != nil {
		return nil, err
	}

	var s scope
	defer s.release()
	x, err := b.input(&s, "src", src, plan.SrcFormat())
	if err != nil {
		return nil, err
	}
	dy, err := b.input(&s, "diff_dst", diffDst, plan.DiffDstFormat())
	if err != nil {
		return nil, err
	}
	meanBuf, err := b.input(&s, "mean", mean, plan.StatsFormat())
	if err != nil {
		return nil, err
	}
	varBuf, err := b.input(&s, "variance", variance, plan.StatsFormat())
	if err != nil {
		return nil, err
	}
	var wBuf, diffWBuf []byte
	var diffW *tensor.CPUTensor
	if scaleShift {
		if wBuf, err = b.input(&s, "scale_shift", w, plan.WeightsFormat()); err != nil {
			return nil, err
		}
		if diffW, err = tensor.New(plan.WeightsDims(), tensor.Float32, plan.WeightsFormat()); err != nil {
			return nil, err
		}
		diffWBuf = diffW.Data()
	}

	diffSrc, err := tensor.New(src.Dims(), tensor.Float32, plan.DiffSrcFormat())
	if err != nil {
		return nil, err
	}
	if err := plan.Execute(x, dy, meanBuf, varBuf, wBuf, diffSrc.Data(), diffWBuf); err != nil {
		return nil, err
	}

	if b.opts.Cosim {
		vals, err := logicalAll(src, diffDst, mean, variance, w)
		if err != nil {
			return nil, err
		}
		want, wantW := cosim.BatchNormBackward(vals[0], vals[1], vals[2], vals[3], vals[4], src.Dims(), eps)
		checks := []cosim.Check{{Name: "bn diff_src", Got: diffSrc.ToFloat32(), Want: want}}
		if scaleShift {
			checks = append(checks, cosim.Check{Name: "bn diff_scale_shift", Got: diffW.ToFloat32(), Want: wantW})
		}
		if err := cosim.CompareAll(context.Background(), b.opts.CosimTolerance, checks...); err != nil {
			return nil, err
		}
	}

	if scaleShift {
		return []*tensor.CPUTensor{diffSrc, diffW}, nil
	}
	return []*tensor.CPUTensor{diffSrc}, nil
}
