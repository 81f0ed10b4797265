// this file contains a few small image processing utilities
package camera

import (
	"image"

	core "github.com/beamline-go/beamline/camera"
)

// Stretch scales a 16-bit image linearly to 8 bits between its minimum and
// maximum.  A flat image is black.
func Stretch(img *core.Image) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	if len(img.Pix) == 0 {
		return out
	}
	lo, hi := img.Pix[0], img.Pix[0]
	for _, v := range img.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return out
	}
	span := uint32(hi - lo)
	for idx, v := range img.Pix {
		out.Pix[idx] = uint8(uint32(v-lo) * 255 / span)
	}
	return out
}
