package mathx

import (
	"math"
	"testing"
)

func TestRound(t *testing.T) {
	out := Round(1.2345, 0.01)
	if math.Abs(out-1.23) > 1e-12 {
		t.Errorf("expected 1.23 got %f", out)
	}
}

func TestNanMeanSkipsNaN(t *testing.T) {
	out := NanMean([]float64{1, math.NaN(), 3})
	if out != 2 {
		t.Errorf("expected 2 got %f", out)
	}
}

func TestNanMeanAllNaN(t *testing.T) {
	out := NanMean([]float64{math.NaN()})
	if !math.IsNaN(out) {
		t.Errorf("expected NaN got %f", out)
	}
}

func TestNanStdPopulation(t *testing.T) {
	out := NanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if out != 2 {
		t.Errorf("expected 2 got %f", out)
	}
}

func TestNanMinMax(t *testing.T) {
	lo, hi := NanMinMax([]float64{3, math.NaN(), -1, 8})
	if lo != -1 || hi != 8 {
		t.Errorf("expected (-1, 8) got (%f, %f)", lo, hi)
	}
}

func TestLinearFit(t *testing.T) {
	x := []float64{-2, -1, 0, 1, 2}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 0.5*v + 3
	}
	m, b, err := LinearFit(x, y)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m-0.5) > 1e-12 || math.Abs(b-3) > 1e-12 {
		t.Errorf("expected slope 0.5 intercept 3 got %f %f", m, b)
	}
}

func TestLinearFitDegenerate(t *testing.T) {
	_, _, err := LinearFit([]float64{1, 1, 1}, []float64{1, 2, 3})
	if err != ErrDegenerate {
		t.Errorf("expected ErrDegenerate got %v", err)
	}
}
