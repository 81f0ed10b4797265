package beamprofile

import (
	"math"
	"math/rand"
	"testing"

	"github.com/beamline-go/beamline/camera"
)

func spotImage(cx, cy, sigma float64) *camera.Image {
	img := camera.NewImage(200, 200, 0.01)
	img.Fill(100)
	img.DrawGaussian(cx, cy, sigma, 10000)
	return img
}

func TestCenteredSpotIsSymmetric(t *testing.T) {
	for _, c := range [][2]float64{{1.0, 1.0}, {0.73, 1.21}, {1.5, 0.4}} {
		img := spotImage(c[0], c[1], 0.05)
		roi := ROI{CX: c[0], CY: c[1], D: 0.6}
		res := Analyze(img, roi)
		if math.Abs(res.XCenter-roi.CX) >= img.PixelSize {
			t.Errorf("expected x center within one pixel of %f got %f", roi.CX, res.XCenter)
		}
		if math.Abs(res.YCenter-roi.CY) >= img.PixelSize {
			t.Errorf("expected y center within one pixel of %f got %f", roi.CY, res.YCenter)
		}
	}
}

func TestFWHMOfGaussian(t *testing.T) {
	sigma := 0.1
	img := spotImage(1, 1, sigma)
	res := Analyze(img, ROI{CX: 1, CY: 1, D: 1.5})
	expected := 2 * math.Sqrt(2*math.Ln2) * sigma
	if math.Abs(res.XFWHM-expected) > 0.01 {
		t.Errorf("expected x fwhm %f got %f", expected, res.XFWHM)
	}
	if math.Abs(res.YFWHM-expected) > 0.01 {
		t.Errorf("expected y fwhm %f got %f", expected, res.YFWHM)
	}
}

func TestOffsetSpot(t *testing.T) {
	img := spotImage(1.05, 0.95, 0.05)
	res := Analyze(img, ROI{CX: 1, CY: 1, D: 0.8})
	if math.Abs(res.XCenter-1.05) > 0.005 || math.Abs(res.YCenter-0.95) > 0.005 {
		t.Errorf("expected center (1.05, 0.95) got (%f, %f)", res.XCenter, res.YCenter)
	}
}

func TestZeroSizedROI(t *testing.T) {
	img := spotImage(1, 1, 0.05)
	res := Analyze(img, ROI{CX: 1, CY: 1, D: 0})
	for name, v := range map[string]float64{
		"XCenter": res.XCenter, "YCenter": res.YCenter,
		"XFWHM": res.XFWHM, "YFWHM": res.YFWHM, "SNR": res.SNR} {
		if !math.IsNaN(v) {
			t.Errorf("expected %s NaN got %f", name, v)
		}
	}
	if res.Overload != 0 {
		t.Errorf("expected overload 0 got %d", res.Overload)
	}
}

func TestROIOutsideImage(t *testing.T) {
	img := spotImage(1, 1, 0.05)
	res := Analyze(img, ROI{CX: 50, CY: 50, D: 1})
	if !math.IsNaN(res.XCenter) {
		t.Errorf("expected NaN for a ROI off the image, got %f", res.XCenter)
	}
}

func TestFlatProfileIsNaN(t *testing.T) {
	x := []float64{0, 1, 2, 3}
	y := []float64{5, 5, 5, 5}
	if f := FWHM(x, y); !math.IsNaN(f) {
		t.Errorf("expected NaN got %f", f)
	}
}

func TestUnbracketedCrossingPinsToBoundary(t *testing.T) {
	// a step: the profile is above mid-height up to its right edge
	x := []float64{0, 1, 2, 3, 4}
	y := []float64{0, 0, 10, 10, 10}
	l, r, ok := Crossings(x, y)
	if !ok {
		t.Fatal("expected crossings")
	}
	if l != 1.5 {
		t.Errorf("expected interpolated left crossing 1.5 got %f", l)
	}
	if r != 4 {
		t.Errorf("expected right crossing pinned to 4 got %f", r)
	}
}

func TestSNRScaleInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	y := make([]float64, 100)
	for i := range y {
		y[i] = 10 + rng.Float64()
	}
	y[50] = 200
	s := SNR(y)
	for _, k := range []float64{0.5, 3, 1000} {
		scaled := make([]float64, len(y))
		for i, v := range y {
			scaled[i] = k * v
		}
		if got := SNR(scaled); math.Abs(got-s) > 1e-9*math.Abs(s) {
			t.Errorf("scale %f: expected SNR %f got %f", k, s, got)
		}
	}
}

func TestSNRZeroVarianceBaseline(t *testing.T) {
	y := []float64{1, 1, 1, 9, 9, 9, 1, 1, 1, 1}
	if s := SNR(y); !math.IsNaN(s) {
		t.Errorf("expected NaN got %f", s)
	}
}

func TestOverloadCount(t *testing.T) {
	img := camera.NewImage(10, 10, 0.1)
	img.Set(5, 5, camera.Saturation)
	img.Set(6, 5, camera.Saturation)
	img.Set(0, 0, camera.Saturation) // outside the roi
	n := Overload(img, ROI{CX: 0.6, CY: 0.6, D: 0.4})
	if n != 2 {
		t.Errorf("expected 2 overloaded pixels got %d", n)
	}
}
