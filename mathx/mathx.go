// Package mathx provides small numerical helpers shared by the reduction and
// time-list code.  Heavier lifting is done with gonum.
package mathx

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
)

// Roll returns a copy of s rotated by shift positions, so that
// out[(i+shift) mod n] = s[i].  Roll(s, 1) moves the last element to the front.
func Roll(s []float64, shift int) []float64 {
	n := len(s)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	shift = ((shift % n) + n) % n
	for i, v := range s {
		out[(i+shift)%n] = v
	}
	return out
}

// Linspace returns n evenly spaced values over [start, end].  If endpoint is
// false, end is excluded and the spacing is (end-start)/n.
func Linspace(start, end float64, n int, endpoint bool) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{start}
	}
	out := make([]float64, n)
	if endpoint {
		return floats.Span(out, start, end)
	}
	step := (end - start) / float64(n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// Geomspace returns n values spaced evenly on a log scale over [start, end].
// start and end must be positive.
func Geomspace(start, end float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{start}
	}
	out := floats.LogSpan(make([]float64, n), start, end)
	// LogSpan goes through exp(log(x)), pin the ends exactly
	out[0], out[n-1] = start, end
	return out
}

// Interp evaluates the piecewise linear interpolant of (xp, fp) at each of x,
// clamping to the end values outside of [xp[0], xp[len-1]].  xp must be
// strictly increasing.
func Interp(x, xp, fp []float64) ([]float64, error) {
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xp, fp); err != nil {
		return nil, err
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = pl.Predict(v)
	}
	return out, nil
}

// MaxAbsFinite returns the largest |v| over the finite values of s, and false
// if s holds no finite value.
func MaxAbsFinite(s []float64) (float64, bool) {
	var (
		max   float64
		found bool
	)
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		a := math.Abs(v)
		if !found || a > max {
			max = a
			found = true
		}
	}
	return max, found
}
