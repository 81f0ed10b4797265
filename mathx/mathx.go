// Package mathx provides small numerical helpers that are NaN-aware.
package mathx

import (
	"errors"
	"math"
)

// ErrDegenerate is returned by LinearFit when the abscissae have no spread
var ErrDegenerate = errors.New("linear fit is degenerate, all x values equal or fewer than two points")

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// NanMean is the mean of the non-NaN elements of xs.  It returns NaN if
// there are none.
func NanMean(xs []float64) float64 {
	var (
		sum float64
		n   int
	)
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		sum += x
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// NanStd is the population standard deviation of the non-NaN elements of xs
func NanStd(xs []float64) float64 {
	mu := NanMean(xs)
	if math.IsNaN(mu) {
		return math.NaN()
	}
	var (
		acc float64
		n   int
	)
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		d := x - mu
		acc += d * d
		n++
	}
	return math.Sqrt(acc / float64(n))
}

// NanMinMax returns the min and max of the non-NaN elements of xs,
// or (NaN, NaN) if there are none
func NanMinMax(xs []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	found := false
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		found = true
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	if !found {
		return math.NaN(), math.NaN()
	}
	return lo, hi
}

// LinearFit performs an ordinary least squares fit y = slope*x + intercept.
// Pairs where either value is NaN are skipped.
func LinearFit(x, y []float64) (slope, intercept float64, err error) {
	var (
		sx, sy, sxx, sxy float64
		n                int
	)
	l := len(x)
	if len(y) < l {
		l = len(y)
	}
	for i := 0; i < l; i++ {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		sxy += x[i] * y[i]
		n++
	}
	if n < 2 {
		return math.NaN(), math.NaN(), ErrDegenerate
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den == 0 {
		return math.NaN(), math.NaN(), ErrDegenerate
	}
	slope = (fn*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / fn
	return slope, intercept, nil
}
