/*Package camera holds the detector image type shared by the acquisition,
analysis, and feedback packages, and its FITS on-disk form.

Pixels are stored row major with x (the width axis) fastest, which is also
the FITS NAXIS1 order.
*/
package camera

import (
	"errors"
	"image"
	"math"
	"time"
)

// Saturation is the value of an overloaded pixel
const Saturation = 65535

// ErrShape is generated when pixel data does not match the declared dimensions
var ErrShape = errors.New("pixel buffer length does not match width*height")

// Image is a detector frame
type Image struct {
	// Pix holds the intensities, Pix[y*Width+x]
	Pix []uint16

	Width, Height int

	// PixelSize is the pixel pitch in mm, > 0
	PixelSize float64

	// Timestamp is the acquisition time, UTC
	Timestamp time.Time

	// Fiducial is the timing system's 17-bit counter at acquisition, or -1
	Fiducial int
}

// NewImage returns a zeroed image
func NewImage(width, height int, pixelSize float64) *Image {
	return &Image{
		Pix:       make([]uint16, width*height),
		Width:     width,
		Height:    height,
		PixelSize: pixelSize,
		Fiducial:  -1}
}

// At returns the pixel at column x, row y
func (i *Image) At(x, y int) uint16 {
	return i.Pix[y*i.Width+x]
}

// Set sets the pixel at column x, row y
func (i *Image) Set(x, y int, v uint16) {
	i.Pix[y*i.Width+x] = v
}

// Gray16 returns a copy of the image as an image.Gray16 for the
// standard library image tooling
func (i *Image) Gray16() *image.Gray16 {
	g := image.NewGray16(image.Rect(0, 0, i.Width, i.Height))
	for idx, v := range i.Pix {
		g.Pix[2*idx] = uint8(v >> 8)
		g.Pix[2*idx+1] = uint8(v)
	}
	return g
}

// DrawGaussian adds a 2-D Gaussian spot centered at (cx, cy) mm from the top
// left corner with standard deviation sigma mm and peak amplitude counts.
// Pixel (x, y) sits at (x*PixelSize, y*PixelSize).  Sums clip at Saturation.
func (i *Image) DrawGaussian(cx, cy, sigma, amplitude float64) {
	p := i.PixelSize
	// only touch pixels within 6 sigma
	reach := 6 * sigma / p
	x0 := int(math.Max(0, math.Floor(cx/p-reach)))
	x1 := int(math.Min(float64(i.Width), math.Ceil(cx/p+reach)))
	y0 := int(math.Max(0, math.Floor(cy/p-reach)))
	y1 := int(math.Min(float64(i.Height), math.Ceil(cy/p+reach)))
	s2 := 2 * sigma * sigma
	for y := y0; y < y1; y++ {
		dy := float64(y)*p - cy
		for x := x0; x < x1; x++ {
			dx := float64(x)*p - cx
			v := float64(i.At(x, y)) + amplitude*math.Exp(-(dx*dx+dy*dy)/s2)
			if v > Saturation {
				v = Saturation
			}
			i.Set(x, y, uint16(math.Round(v)))
		}
	}
}

// Fill sets every pixel to v
func (i *Image) Fill(v uint16) {
	for idx := range i.Pix {
		i.Pix[idx] = v
	}
}
