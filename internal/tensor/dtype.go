// Package tensor provides the owned CPU tensor consumed and produced by the
// primitive layer.
package tensor

import (
	"fmt"
	"strings"
)

// DataType is the runtime element type of a tensor.
type DataType int

const (
	Undef DataType = iota
	Float32
	Int32
	Uint8
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Uint8:
		return 1
	default:
		return 0
	}
}

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	default:
		return "undef"
	}
}

// ParseDataType parses the names produced by String.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "float32", "f32":
		return Float32, nil
	case "int32", "s32":
		return Int32, nil
	case "uint8", "u8":
		return Uint8, nil
	}
	return Undef, fmt.Errorf("tensor: unknown data type %q", s)
}
