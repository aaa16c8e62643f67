package layout

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Desc is an immutable (dims, format) pair. Logical dimension order is always
// N,C,H,W for 4-D formats, N,C for NC and C for X, whatever the format.
type Desc struct {
	dims   []int
	format Format
}

// NewDesc validates dims against the rank of f and returns a descriptor that
// owns a private copy of dims.
func NewDesc(dims []int, f Format) (Desc, error) {
	if f.Rank() == 0 {
		return Desc{}, fmt.Errorf("layout: undefined format for dims %v", dims)
	}
	if len(dims) != f.Rank() {
		return Desc{}, fmt.Errorf("layout: format %s needs %d dims, got %v", f, f.Rank(), dims)
	}
	for i, d := range dims {
		if d <= 0 {
			return Desc{}, fmt.Errorf("layout: invalid dimension at index %d: %d (must be > 0)", i, d)
		}
	}
	own := make([]int, len(dims))
	copy(own, dims)
	d := Desc{dims: own, format: f}
	if d.Bytes(8) < 0 {
		return Desc{}, fmt.Errorf("layout: dims %v too large", dims)
	}
	return d, nil
}

// MustDesc is NewDesc for extents known to be valid, such as literals. It
// panics otherwise.
func MustDesc(dims []int, f Format) Desc {
	d, err := NewDesc(dims, f)
	if err != nil {
		panic(err)
	}
	return d
}

// Dims returns a copy of the logical extents.
func (d Desc) Dims() []int {
	out := make([]int, len(d.dims))
	copy(out, d.dims)
	return out
}

func (d Desc) Format() Format { return d.format }

func (d Desc) Rank() int { return len(d.dims) }

// Equal reports whether both extents (in order) and format match.
func (d Desc) Equal(o Desc) bool {
	return d.format == o.format && DimsEqual(d.dims, o.dims)
}

// DimsEqual compares two extent lists, order-sensitive.
func DimsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Dims4 normalizes the extents to N,C,H,W, filling missing axes with 1.
func (d Desc) Dims4() [4]int {
	switch len(d.dims) {
	case 1:
		return [4]int{1, d.dims[0], 1, 1}
	case 2:
		return [4]int{d.dims[0], d.dims[1], 1, 1}
	case 4:
		return [4]int{d.dims[0], d.dims[1], d.dims[2], d.dims[3]}
	}
	return [4]int{}
}

// NumElements is the logical element count.
func (d Desc) NumElements() int {
	n := 1
	for _, v := range d.dims {
		n *= v
	}
	return n
}

// PaddedElements is the physical element count, including block padding.
func (d Desc) PaddedElements() int {
	dd := d.Dims4()
	b := d.format.BlockSize()
	cp := (dd[1] + b - 1) / b * b
	return dd[0] * cp * dd[2] * dd[3]
}

// Bytes returns the physical buffer size for the given element size, or -1
// if it does not fit in an int.
func (d Desc) Bytes(elemSize int) int {
	dd := d.Dims4()
	b := d.format.BlockSize()
	dd[1] = (dd[1] + b - 1) / b * b
	n := elemSize
	for _, v := range dd {
		if v == 0 {
			return 0
		}
		if n > math.MaxInt/v {
			return -1
		}
		n *= v
	}
	return n
}

// Index returns the stride set mapping logical N,C,H,W to physical offsets.
func (d Desc) Index() Index {
	dd := d.Dims4()
	c, h, w := dd[1], dd[2], dd[3]
	switch d.format {
	case X, NC:
		return Index{sN: c, sC: 1, sH: 1, sW: 1, block: 1}
	case NCHW:
		return Index{sN: c * h * w, sC: h * w, sH: w, sW: 1, block: 1}
	case NHWC:
		return Index{sN: h * w * c, sC: 1, sH: w * c, sW: c, block: 1}
	case NChw8c, NChw16c:
		b := d.format.BlockSize()
		cp := (c + b - 1) / b * b
		return Index{sN: cp * h * w, sC: h * w * b, sH: w * b, sW: b, block: b}
	}
	return Index{block: 1}
}

// Offset maps a logical index of the descriptor's rank to a physical
// element offset.
func (d Desc) Offset(idx ...int) int {
	ix := d.Index()
	switch len(idx) {
	case 1:
		return ix.At(0, idx[0], 0, 0)
	case 2:
		return ix.At(idx[0], idx[1], 0, 0)
	case 4:
		return ix.At(idx[0], idx[1], idx[2], idx[3])
	}
	panic(fmt.Sprintf("layout: index %v does not match rank %d", idx, len(d.dims)))
}

// Key is a compact printable identity of the descriptor.
func (d Desc) Key() string {
	var sb strings.Builder
	for i, v := range d.dims {
		if i > 0 {
			sb.WriteByte('x')
		}
		sb.WriteString(strconv.Itoa(v))
	}
	sb.WriteByte(':')
	sb.WriteString(d.format.String())
	return sb.String()
}

func (d Desc) String() string {
	return fmt.Sprintf("%v:%s", d.dims, d.format)
}

// Index holds the strides of a format. The logical channel c lives at
// block (c / block) with lane (c % block); unblocked formats use block 1.
type Index struct {
	sN, sC, sH, sW int
	block          int
}

// At returns the physical element offset of logical (n, c, h, w).
func (ix Index) At(n, c, h, w int) int {
	if ix.block == 1 {
		return n*ix.sN + c*ix.sC + h*ix.sH + w*ix.sW
	}
	return n*ix.sN + (c/ix.block)*ix.sC + c%ix.block + h*ix.sH + w*ix.sW
}

// WStride is the distance between horizontally adjacent elements. For every
// supported format the H stride is W*WStride, so one (n, c) plane is a single
// strided run of H*W elements.
func (ix Index) WStride() int { return ix.sW }
