package resample

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// UnsupportedOrderError reports an interpolation order outside the
// supported set {0, 1, 3}.
type UnsupportedOrderError struct {
	// Order is the offending value.
	Order int
}

// Error implements the error interface.
func (e *UnsupportedOrderError) Error() string {
	return fmt.Sprintf("unsupported interpolation order %d (supported: 0 nearest, 1 linear, 3 cubic spline)", e.Order)
}

// Interpolation orders, matching the reference convention.
const (
	OrderNearest = 0
	OrderLinear  = 1
	OrderCubic   = 3
)

// validOrder reports whether order names a supported interpolation scheme.
func validOrder(order int) bool {
	return order == OrderNearest || order == OrderLinear || order == OrderCubic
}

// lineCoords returns the source coordinate for every output sample of a
// line resampled from n to nOut samples. Output sample centers map to
// (i + 0.5) * n/nOut - 0.5, clamped to the line's ends (edge mode), the
// same half-pixel-centered mapping the reference resampler uses for both
// the in-plane and low-resolution passes.
func lineCoords(n, nOut int) []float64 {
	coords := make([]float64, nOut)
	scale := float64(n) / float64(nOut)
	for i := range coords {
		c := (float64(i)+0.5)*scale - 0.5
		if c < 0 {
			c = 0
		} else if c > float64(n-1) {
			c = float64(n - 1)
		}
		coords[i] = c
	}
	return coords
}

// lineResampler resamples 1D sample lines of a fixed input length to a
// fixed output length at one interpolation order. The knot positions and
// output coordinates are computed once and reused across every line of an
// axis pass.
type lineResampler struct {
	order  int
	coords []float64
	xs     []float64
}

// newLineResampler builds a resampler for lines of n samples producing
// nOut samples.
func newLineResampler(n, nOut, order int) (*lineResampler, error) {
	if !validOrder(order) {
		return nil, &UnsupportedOrderError{Order: order}
	}
	r := &lineResampler{order: order, coords: lineCoords(n, nOut)}
	if order != OrderNearest && n > 1 {
		r.xs = make([]float64, n)
		for i := range r.xs {
			r.xs[i] = float64(i)
		}
	}
	return r, nil
}

// resample fills out with the interpolated values of in. len(in) and
// len(out) must match the lengths the resampler was built for.
func (r *lineResampler) resample(in, out []float64) error {
	// Single-sample lines carry no gradient to interpolate.
	if len(in) == 1 {
		for i := range out {
			out[i] = in[0]
		}
		return nil
	}

	switch r.order {
	case OrderNearest:
		for i, c := range r.coords {
			out[i] = in[int(math.Floor(c+0.5))]
		}
		return nil
	case OrderLinear:
		var pl interp.PiecewiseLinear
		if err := pl.Fit(r.xs, in); err != nil {
			return fmt.Errorf("fitting linear interpolant: %w", err)
		}
		for i, c := range r.coords {
			out[i] = pl.Predict(c)
		}
		return nil
	case OrderCubic:
		var nc interp.NaturalCubic
		if err := nc.Fit(r.xs, in); err != nil {
			return fmt.Errorf("fitting cubic spline: %w", err)
		}
		for i, c := range r.coords {
			out[i] = nc.Predict(c)
		}
		return nil
	default:
		return &UnsupportedOrderError{Order: r.order}
	}
}
