package tensor

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/longbow-nock/internal/layout"
)

// ErrAllocation is returned when a buffer for a descriptor cannot be created.
var (
	ErrAllocation = errors.New("tensor: allocation failed")
	ErrLength     = errors.New("tensor: data length does not match dimensions")
)

// Tensor is the surface the primitive layer needs from a tensor container.
type Tensor interface {
	DataType() DataType
	NDims() int
	// Dims returns the logical extents.
	Dims() []int
	Format() layout.Format
	// Data returns the raw physical buffer.
	Data() []byte
	// Len is the byte length of Data.
	Len() int
}

// ensure interface compliance
var _ Tensor = (*CPUTensor)(nil)

// CPUTensor owns a host buffer laid out according to its descriptor.
type CPUTensor struct {
	desc  layout.Desc
	dtype DataType
	data  []byte
}

// New allocates a zeroed tensor of the given extents, type and format.
func New(dims []int, dt DataType, f layout.Format) (*CPUTensor, error) {
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: undefined data type", ErrAllocation)
	}
	desc, err := layout.NewDesc(dims, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	data, err := Alloc(desc.Bytes(dt.Size()))
	if err != nil {
		return nil, err
	}
	return &CPUTensor{desc: desc, dtype: dt, data: data}, nil
}

// FromFloat32 creates a float32 tensor from values given in logical
// row-major order, scattering them into the physical layout of f.
func FromFloat32(dims []int, f layout.Format, values []float32) (*CPUTensor, error) {
	return FromLogical(dims, Float32, f, values)
}

// FromLogical creates a tensor of type dt from logical row-major values.
// Integer types are converted element-wise.
func FromLogical(dims []int, dt DataType, f layout.Format, values []float32) (*CPUTensor, error) {
	desc, err := layout.NewDesc(dims, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	if len(values) != desc.NumElements() {
		return nil, fmt.Errorf("%w: provided data length %d does not match dimensions %v", ErrLength, len(values), dims)
	}
	t, err := New(dims, dt, f)
	if err != nil {
		return nil, err
	}
	write := t.writer()
	ix := t.desc.Index()
	d := t.desc.Dims4()
	i := 0
	for n := 0; n < d[0]; n++ {
		for c := 0; c < d[1]; c++ {
			for h := 0; h < d[2]; h++ {
				for w := 0; w < d[3]; w++ {
					write(ix.At(n, c, h, w), values[i])
					i++
				}
			}
		}
	}
	return t, nil
}

// MaxBytes bounds a single tensor buffer.
const MaxBytes int64 = 1 << 34

// Alloc returns a zeroed byte buffer of n bytes aligned for 4-byte element
// access.
func Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: size overflows", ErrAllocation)
	}
	if int64(n) > MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrAllocation, n, MaxBytes)
	}
	if n == 0 {
		return []byte{}, nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n), nil
}

// AsFloat32 views a raw buffer as float32 elements.
func AsFloat32(b []byte) []float32 {
	return arrow.Float32Traits.CastFromBytes(b)
}

// AsInt32 views a raw buffer as int32 elements.
func AsInt32(b []byte) []int32 {
	return arrow.Int32Traits.CastFromBytes(b)
}

func (t *CPUTensor) DataType() DataType { return t.dtype }

func (t *CPUTensor) NDims() int { return t.desc.Rank() }

func (t *CPUTensor) Dims() []int { return t.desc.Dims() }

func (t *CPUTensor) Format() layout.Format { return t.desc.Format() }

func (t *CPUTensor) Data() []byte { return t.data }

func (t *CPUTensor) Len() int { return len(t.data) }

// Desc returns the layout descriptor of the tensor.
func (t *CPUTensor) Desc() layout.Desc { return t.desc }

// Float32s views the physical buffer as float32. Panics for other types.
func (t *CPUTensor) Float32s() []float32 {
	if t.dtype != Float32 {
		panic(fmt.Sprintf("tensor: Float32s on %s tensor", t.dtype))
	}
	return AsFloat32(t.data)
}

// Int32s views the physical buffer as int32. Panics for other types.
func (t *CPUTensor) Int32s() []int32 {
	if t.dtype != Int32 {
		panic(fmt.Sprintf("tensor: Int32s on %s tensor", t.dtype))
	}
	return AsInt32(t.data)
}

// Uint8s returns the raw buffer of a Uint8 tensor. Panics for other types.
func (t *CPUTensor) Uint8s() []byte {
	if t.dtype != Uint8 {
		panic(fmt.Sprintf("tensor: Uint8s on %s tensor", t.dtype))
	}
	return t.data
}

// ToFloat32 copies the tensor out in logical row-major order. Integer
// tensors are converted element-wise.
func (t *CPUTensor) ToFloat32() []float32 {
	return logical(t.desc, reader(t))
}

// DescOf builds the descriptor of any Tensor.
func DescOf(t Tensor) (layout.Desc, error) {
	if ct, ok := t.(*CPUTensor); ok {
		return ct.desc, nil
	}
	return layout.NewDesc(t.Dims(), t.Format())
}

// Logical copies any tensor out in logical row-major order as float32. It
// fails when the extents do not fit the format or Data is shorter than the
// layout needs.
func Logical(t Tensor) ([]float32, error) {
	desc, err := DescOf(t)
	if err != nil {
		return nil, err
	}
	size := t.DataType().Size()
	if size == 0 {
		return nil, fmt.Errorf("tensor: cannot read %s elements", t.DataType())
	}
	if need := desc.Bytes(size); len(t.Data()) < need {
		return nil, fmt.Errorf("%w: buffer holds %d bytes, layout %s needs %d", ErrLength, len(t.Data()), desc.Format(), need)
	}
	return logical(desc, reader(t)), nil
}

func logical(desc layout.Desc, read func(off int) float32) []float32 {
	out := make([]float32, desc.NumElements())
	ix := desc.Index()
	d := desc.Dims4()
	i := 0
	for n := 0; n < d[0]; n++ {
		for c := 0; c < d[1]; c++ {
			for h := 0; h < d[2]; h++ {
				for w := 0; w < d[3]; w++ {
					out[i] = read(ix.At(n, c, h, w))
					i++
				}
			}
		}
	}
	return out
}

func reader(t Tensor) func(off int) float32 {
	switch t.DataType() {
	case Float32:
		v := AsFloat32(t.Data())
		return func(off int) float32 { return v[off] }
	case Int32:
		v := AsInt32(t.Data())
		return func(off int) float32 { return float32(v[off]) }
	case Uint8:
		v := t.Data()
		return func(off int) float32 { return float32(v[off]) }
	}
	panic(fmt.Sprintf("tensor: cannot read %s elements", t.DataType()))
}

func (t *CPUTensor) writer() func(off int, v float32) {
	switch t.dtype {
	case Int32:
		out := AsInt32(t.data)
		return func(off int, v float32) { out[off] = int32(v) }
	case Uint8:
		return func(off int, v float32) { t.data[off] = uint8(v) }
	}
	out := AsFloat32(t.data)
	return func(off int, v float32) { out[off] = v }
}
