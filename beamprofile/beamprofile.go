// Package beamprofile reduces a detector image of the direct beam to its
// position, width, signal to noise ratio, and overload count inside a
// square region of interest.
package beamprofile

import (
	"math"

	"github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/mathx"
)

// ROI is a square region of interest.  CX, CY are the center in mm from the
// top left corner of the image and D is the side in mm.
type ROI struct {
	CX float64 `json:"cx" yaml:"CX" koanf:"CX"`
	CY float64 `json:"cy" yaml:"CY" koanf:"CY"`
	D  float64 `json:"d" yaml:"D" koanf:"D"`
}

// Result is the reduction of one image
type Result struct {
	XCenter  float64 `json:"x_center"`
	YCenter  float64 `json:"y_center"`
	XFWHM    float64 `json:"x_fwhm"`
	YFWHM    float64 `json:"y_fwhm"`
	SNR      float64 `json:"snr"`
	Overload int     `json:"overload"`
}

// baselineFraction is the share of the profile on each side used as the
// noise floor for SNR
const baselineFraction = 0.1

// Window returns the pixel-aligned bounds [x0, x1) x [y0, y1) of the ROI,
// clipped to the image
func Window(img *camera.Image, roi ROI) (x0, x1, y0, y1 int) {
	p := img.PixelSize
	if p <= 0 || roi.D <= 0 || math.IsNaN(roi.D) {
		return 0, 0, 0, 0
	}
	n := int(math.Round(roi.D / p))
	x0 = int(math.Round((roi.CX - roi.D/2) / p))
	y0 = int(math.Round((roi.CY - roi.D/2) / p))
	x1, y1 = x0+n, y0+n
	x0, x1 = clip(x0, 0, img.Width), clip(x1, 0, img.Width)
	y0, y1 = clip(y0, 0, img.Height), clip(y1, 0, img.Height)
	if x1 <= x0 || y1 <= y0 {
		return 0, 0, 0, 0
	}
	return x0, x1, y0, y1
}

func clip(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Projections computes the horizontal profile (mean over rows, a function of
// x) and the vertical profile (mean over columns, a function of y) of the
// ROI, with abscissae in mm
func Projections(img *camera.Image, roi ROI) (x, hprof, y, vprof []float64) {
	x0, x1, y0, y1 := Window(img, roi)
	nx, ny := x1-x0, y1-y0
	x = make([]float64, nx)
	hprof = make([]float64, nx)
	y = make([]float64, ny)
	vprof = make([]float64, ny)
	if nx == 0 || ny == 0 {
		return
	}
	p := img.PixelSize
	for i := range x {
		x[i] = float64(x0+i) * p
	}
	for j := range y {
		y[j] = float64(y0+j) * p
	}
	for j := 0; j < ny; j++ {
		row := img.Pix[(y0+j)*img.Width+x0 : (y0+j)*img.Width+x1]
		for i, v := range row {
			f := float64(v)
			hprof[i] += f
			vprof[j] += f
		}
	}
	for i := range hprof {
		hprof[i] /= float64(ny)
	}
	for j := range vprof {
		vprof[j] /= float64(nx)
	}
	return
}

// Crossings returns the leftmost and rightmost abscissae at which the profile
// crosses its mid-height, (min+max)/2, linearly interpolated.  An endpoint
// whose crossing is not bracketed inside the profile is pinned to the
// profile boundary.  ok is false for empty or flat profiles.
func Crossings(x, y []float64) (left, right float64, ok bool) {
	n := len(y)
	if n == 0 || len(x) != n {
		return math.NaN(), math.NaN(), false
	}
	lo, hi := mathx.NanMinMax(y)
	if math.IsNaN(lo) || hi == lo {
		return math.NaN(), math.NaN(), false
	}
	half := (lo + hi) / 2
	iL, iR := -1, -1
	for i, v := range y {
		if v >= half {
			if iL < 0 {
				iL = i
			}
			iR = i
		}
	}
	if iL <= 0 {
		left = x[0]
	} else {
		left = interp(x[iL-1], y[iL-1], x[iL], y[iL], half)
	}
	if iR >= n-1 {
		right = x[n-1]
	} else {
		right = interp(x[iR], y[iR], x[iR+1], y[iR+1], half)
	}
	return left, right, true
}

func interp(xa, ya, xb, yb, level float64) float64 {
	if yb == ya || math.IsNaN(ya) || math.IsNaN(yb) {
		return xa
	}
	return xa + (level-ya)*(xb-xa)/(yb-ya)
}

// FWHM is the full width at half maximum of a profile, NaN if it is empty or flat
func FWHM(x, y []float64) float64 {
	l, r, ok := Crossings(x, y)
	if !ok {
		return math.NaN()
	}
	return math.Abs(r - l)
}

// CFWHM is the center of the FWHM interval, NaN if the profile is empty or flat
func CFWHM(x, y []float64) float64 {
	l, r, ok := Crossings(x, y)
	if !ok {
		return math.NaN()
	}
	return (l + r) / 2
}

// SNR is the profile peak above the baseline divided by the standard
// deviation of the baseline.  The baseline is the outer 20 % of the
// profile, 10 % on each side.  NaN if the baseline has no variance.
func SNR(y []float64) float64 {
	n := len(y)
	if n == 0 {
		return math.NaN()
	}
	k := int(math.Round(baselineFraction * float64(n)))
	if k < 1 {
		k = 1
	}
	if 2*k > n {
		k = n / 2
	}
	if k == 0 {
		return math.NaN()
	}
	base := append(append([]float64(nil), y[:k]...), y[n-k:]...)
	std := mathx.NanStd(base)
	if std == 0 || math.IsNaN(std) {
		return math.NaN()
	}
	_, peak := mathx.NanMinMax(y)
	return (peak - mathx.NanMean(base)) / std
}

// Overload counts the saturated pixels in the ROI
func Overload(img *camera.Image, roi ROI) int {
	x0, x1, y0, y1 := Window(img, roi)
	count := 0
	for j := y0; j < y1; j++ {
		for _, v := range img.Pix[j*img.Width+x0 : j*img.Width+x1] {
			if v == camera.Saturation {
				count++
			}
		}
	}
	return count
}

// Analyze reduces img inside roi.  The SNR is that of the horizontal
// profile.  An empty ROI gives NaN for everything but Overload, which is 0.
func Analyze(img *camera.Image, roi ROI) Result {
	x, hprof, y, vprof := Projections(img, roi)
	return Result{
		XCenter:  CFWHM(x, hprof),
		YCenter:  CFWHM(y, vprof),
		XFWHM:    FWHM(x, hprof),
		YFWHM:    FWHM(y, vprof),
		SNR:      SNR(hprof),
		Overload: Overload(img, roi),
	}
}
