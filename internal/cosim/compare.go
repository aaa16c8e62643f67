// Package cosim holds straightforward planar reference implementations of
// the kernels and compares optimized results against them.
package cosim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
)

// ErrMismatch is returned when an optimized result diverges from the
// reference beyond tolerance.
var ErrMismatch = errors.New("cosim: result mismatch")

// Tolerance follows allclose semantics: |got-want| <= Atol or relative
// difference <= Rtol.
type Tolerance struct {
	Atol, Rtol float64
}

func DefaultTolerance() Tolerance {
	return Tolerance{Atol: 1e-4, Rtol: 1e-4}
}

// Check pairs one output with its reference values, both in logical order.
type Check struct {
	Name      string
	Got, Want []float32
}

// Compare checks got against want element-wise.
func Compare(name string, got, want []float32, tol Tolerance) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: %s has %d elements, reference %d", ErrMismatch, name, len(got), len(want))
	}
	g, w := widen(got), widen(want)
	bad, first := 0, -1
	for i := range g {
		if !scalar.EqualWithinAbsOrRel(g[i], w[i], tol.Atol, tol.Rtol) {
			if first < 0 {
				first = i
			}
			bad++
		}
	}
	if bad == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s differs at %d of %d elements (first at %d: got %g, want %g; max abs diff %g)",
		ErrMismatch, name, bad, len(g), first, g[first], w[first], floats.Distance(g, w, math.Inf(1)))
}

// CompareAll runs every check concurrently and returns the first mismatch.
func CompareAll(ctx context.Context, tol Tolerance, checks ...Check) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range checks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return Compare(c.Name, c.Got, c.Want, tol)
		})
	}
	return g.Wait()
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
