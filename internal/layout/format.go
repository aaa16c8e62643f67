// Package layout describes the physical arrangement of tensor elements in
// memory, independent of the logical shape.
package layout

import (
	"fmt"
	"strings"
)

// Format is a physical layout tag for a tensor of a given rank.
type Format int

const (
	Undef Format = iota
	X             // 1-D, e.g. per-channel statistics
	NC            // 2-D, batch x channels
	NCHW          // planar 4-D
	NHWC          // channel-minor 4-D
	NChw8c        // channels blocked by 8, padded to the block
	NChw16c       // channels blocked by 16, padded to the block
)

func (f Format) String() string {
	switch f {
	case X:
		return "x"
	case NC:
		return "nc"
	case NCHW:
		return "nchw"
	case NHWC:
		return "nhwc"
	case NChw8c:
		return "nChw8c"
	case NChw16c:
		return "nChw16c"
	default:
		return "undef"
	}
}

// ParseFormat parses a format name. Matching is case-insensitive except for
// the blocked formats, where "nChw8c" and "nchw8c" are both accepted.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "x":
		return X, nil
	case "nc":
		return NC, nil
	case "nchw":
		return NCHW, nil
	case "nhwc":
		return NHWC, nil
	case "nchw8c":
		return NChw8c, nil
	case "nchw16c":
		return NChw16c, nil
	}
	return Undef, fmt.Errorf("layout: unknown format %q", s)
}

// Rank returns the number of logical dimensions the format describes.
func (f Format) Rank() int {
	switch f {
	case X:
		return 1
	case NC:
		return 2
	case NCHW, NHWC, NChw8c, NChw16c:
		return 4
	default:
		return 0
	}
}

// BlockSize returns the channel block of a blocked format, or 1.
func (f Format) BlockSize() int {
	switch f {
	case NChw8c:
		return 8
	case NChw16c:
		return 16
	default:
		return 1
	}
}

func (f Format) IsBlocked() bool {
	return f.BlockSize() > 1
}

// BlockedFormat returns the blocked 4-D format for a block size, or Undef.
func BlockedFormat(block int) Format {
	switch block {
	case 8:
		return NChw8c
	case 16:
		return NChw16c
	default:
		return Undef
	}
}

// PlanarFormat returns the default plain format for a rank.
func PlanarFormat(rank int) Format {
	switch rank {
	case 1:
		return X
	case 2:
		return NC
	case 4:
		return NCHW
	default:
		return Undef
	}
}
