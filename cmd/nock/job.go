package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/primitive"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

var errBadJob = errors.New("invalid job")

// Job names one primitive call. Inputs are matched by name:
//
//	pooling forward:     src
//	pooling backward:    diff_dst, workspace (max only)
//	batch_norm forward:  src, scale_shift?, mean?, variance?
//	batch_norm backward: src, diff_dst, mean, variance, scale_shift?
type Job struct {
	Op        string  `cbor:"op" json:"op"`
	Direction string  `cbor:"direction" json:"direction"`
	Algo      string  `cbor:"algo,omitempty" json:"algo,omitempty"`
	Kernel    [2]int  `cbor:"kernel,omitempty" json:"kernel,omitempty"`
	Stride    [2]int  `cbor:"stride,omitempty" json:"stride,omitempty"`
	PadL      [2]int  `cbor:"pad_l,omitempty" json:"pad_l,omitempty"`
	PadR      [2]int  `cbor:"pad_r,omitempty" json:"pad_r,omitempty"`
	SrcDims   [4]int  `cbor:"src_dims,omitempty" json:"src_dims,omitempty"` // pooling backward only
	Eps       float32 `cbor:"eps,omitempty" json:"eps,omitempty"`
}

const (
	opPooling   = "pooling"
	opBatchNorm = "batch_norm"
)

func (j Job) Validate() error {
	switch j.Op {
	case opPooling, opBatchNorm:
	default:
		return fmt.Errorf("%w: unknown op %q", errBadJob, j.Op)
	}
	switch j.Direction {
	case "forward", "backward":
	default:
		return fmt.Errorf("%w: unknown direction %q", errBadJob, j.Direction)
	}
	if j.Op == opPooling {
		if _, err := kernel.ParseAlgorithm(j.Algo); err != nil {
			return fmt.Errorf("%w: %v", errBadJob, err)
		}
		if j.Kernel[0] <= 0 || j.Kernel[1] <= 0 || j.Stride[0] <= 0 || j.Stride[1] <= 0 {
			return fmt.Errorf("%w: kernel %v and stride %v must be positive", errBadJob, j.Kernel, j.Stride)
		}
		if j.PadL[0] < 0 || j.PadL[1] < 0 || j.PadR[0] < 0 || j.PadR[1] < 0 {
			return fmt.Errorf("%w: negative padding", errBadJob)
		}
	}
	return nil
}

func (j Job) String() string {
	return j.Op + "/" + j.Direction
}

func (j Job) pooling(src [4]int) (primitive.PoolingParams, error) {
	algo, err := kernel.ParseAlgorithm(j.Algo)
	if err != nil {
		return primitive.PoolingParams{}, fmt.Errorf("%w: %v", errBadJob, err)
	}
	return primitive.PoolingParams{
		SrcDims: src,
		PoolingDesc: kernel.PoolingDesc{
			KH: j.Kernel[0], KW: j.Kernel[1],
			SY: j.Stride[0], SX: j.Stride[1],
			PadLH: j.PadL[0], PadLW: j.PadL[1],
			PadRH: j.PadR[0], PadRW: j.PadR[1],
			Algo: algo,
		},
	}.Infer(), nil
}

type inputs map[string]tensor.Tensor

func (in inputs) require(name string) (tensor.Tensor, error) {
	t, ok := in[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing input %q", errBadJob, name)
	}
	return t, nil
}

// Run executes the job on b and names the outputs.
func (j Job) Run(b *primitive.Backend, named []client.NamedTensor) ([]client.NamedTensor, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	in := make(inputs, len(named))
	for _, nt := range named {
		in[nt.Name] = nt.Tensor
	}

	var (
		outs  []*tensor.CPUTensor
		names []string
		err   error
	)
	switch j.Op + "/" + j.Direction {
	case "pooling/forward":
		outs, err = j.poolingForward(b, in)
		names = []string{"dst", "workspace"}
	case "pooling/backward":
		outs, err = j.poolingBackward(b, in)
		names = []string{"diff_src"}
	case "batch_norm/forward":
		outs, err = j.bnForward(b, in)
		names = []string{"dst", "mean", "variance"}
	case "batch_norm/backward":
		outs, err = j.bnBackward(b, in)
		names = []string{"diff_src", "diff_scale_shift"}
	}
	if err != nil {
		return nil, err
	}

	res := make([]client.NamedTensor, len(outs))
	for i, t := range outs {
		res[i] = client.NamedTensor{Name: names[i], Tensor: t}
	}
	return res, nil
}

func (j Job) poolingForward(b *primitive.Backend, in inputs) ([]*tensor.CPUTensor, error) {
	src, err := in.require("src")
	if err != nil {
		return nil, err
	}
	dims, err := dims4(src.Dims())
	if err != nil {
		return nil, err
	}
	p, err := j.pooling(dims)
	if err != nil {
		return nil, err
	}
	return b.Pooling2D().Forward(src, p)
}

func (j Job) poolingBackward(b *primitive.Backend, in inputs) ([]*tensor.CPUTensor, error) {
	diffDst, err := in.require("diff_dst")
	if err != nil {
		return nil, err
	}
	p, err := j.pooling(j.SrcDims)
	if err != nil {
		return nil, err
	}
	return b.Pooling2D().Backward(diffDst, in["workspace"], p)
}

func (j Job) bnForward(b *primitive.Backend, in inputs) ([]*tensor.CPUTensor, error) {
	src, err := in.require("src")
	if err != nil {
		return nil, err
	}
	return b.BatchNorm().Forward(src, in["scale_shift"], in["mean"], in["variance"], j.eps())
}

func (j Job) bnBackward(b *primitive.Backend, in inputs) ([]*tensor.CPUTensor, error) {
	src, err := in.require("src")
	if err != nil {
		return nil, err
	}
	diffDst, err := in.require("diff_dst")
	if err != nil {
		return nil, err
	}
	return b.BatchNorm().Backward(src, diffDst, in["mean"], in["variance"], in["scale_shift"], j.eps())
}

func (j Job) eps() float32 {
	if j.Eps == 0 {
		return 1e-5
	}
	return j.Eps
}

func dims4(d []int) ([4]int, error) {
	if len(d) != 4 {
		return [4]int{}, fmt.Errorf("%w: pooling needs 4-D input, got %v", primitive.ErrShapeMismatch, d)
	}
	return [4]int(d), nil
}

// parsePair parses "3" or "3x2".
func parsePair(s string) ([2]int, error) {
	var a, b int
	if strings.Contains(s, "x") {
		if _, err := fmt.Sscanf(s, "%dx%d", &a, &b); err != nil {
			return [2]int{}, fmt.Errorf("bad pair %q: %w", s, err)
		}
		return [2]int{a, b}, nil
	}
	if _, err := fmt.Sscanf(s, "%d", &a); err != nil {
		return [2]int{}, fmt.Errorf("bad pair %q: %w", s, err)
	}
	return [2]int{a, a}, nil
}

// parseDims parses "2x16x8x8".
func parseDims(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, "x") {
		var v int
		if _, err := fmt.Sscanf(part, "%d", &v); err != nil {
			return nil, fmt.Errorf("bad dims %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// TensorPayload is the wire form of a tensor: values in logical order.
type TensorPayload struct {
	Name   string    `cbor:"name" json:"name"`
	Dims   []int     `cbor:"dims" json:"dims"`
	Format string    `cbor:"format" json:"format"`
	DType  string    `cbor:"dtype,omitempty" json:"dtype,omitempty"`
	Values []float32 `cbor:"values" json:"values"`
}

// shape validates the declared shape without allocating anything.
func (p TensorPayload) shape() (layout.Desc, tensor.DataType, error) {
	f, err := layout.ParseFormat(p.Format)
	if err != nil {
		return layout.Desc{}, tensor.Undef, fmt.Errorf("%w: %s: %v", errBadJob, p.Name, err)
	}
	dt := tensor.Float32
	if p.DType != "" {
		if dt, err = tensor.ParseDataType(p.DType); err != nil {
			return layout.Desc{}, tensor.Undef, fmt.Errorf("%w: %s: %v", errBadJob, p.Name, err)
		}
	}
	desc, err := layout.NewDesc(p.Dims, f)
	if err != nil {
		return layout.Desc{}, tensor.Undef, fmt.Errorf("%w: %s: %v", errBadJob, p.Name, err)
	}
	return desc, dt, nil
}

// bytes is the buffer size the payload declares.
func (p TensorPayload) bytes() (int64, error) {
	desc, dt, err := p.shape()
	if err != nil {
		return 0, err
	}
	return int64(desc.Bytes(dt.Size())), nil
}

func (p TensorPayload) decode() (client.NamedTensor, error) {
	desc, dt, err := p.shape()
	if err != nil {
		return client.NamedTensor{}, err
	}
	t, err := tensor.FromLogical(p.Dims, dt, desc.Format(), p.Values)
	if err != nil {
		return client.NamedTensor{}, fmt.Errorf("%w: %s: %v", errBadJob, p.Name, err)
	}
	return client.NamedTensor{Name: p.Name, Tensor: t}, nil
}

func encodePayload(nt client.NamedTensor) (TensorPayload, error) {
	values, err := tensor.Logical(nt.Tensor)
	if err != nil {
		return TensorPayload{}, fmt.Errorf("encode %s: %w", nt.Name, err)
	}
	return TensorPayload{
		Name:   nt.Name,
		Dims:   nt.Tensor.Dims(),
		Format: nt.Tensor.Format().String(),
		DType:  nt.Tensor.DataType().String(),
		Values: values,
	}, nil
}
