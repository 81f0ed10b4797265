package camera

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"
)

// TimeFormat is the layout of the DATE-OBS card
const TimeFormat = "2006-01-02T15:04:05.000000"

// Header is the metadata of a FITS image, without pixels
type Header struct {
	Width, Height int
	PixelSize     float64
	Timestamp     time.Time
	Fiducial      int
}

// WriteFITS streams img to w as a 16-bit primary HDU.  Unsigned data is
// stored with the BZERO 32768 convention.
func WriteFITS(w io.Writer, img *Image) error {
	if len(img.Pix) != img.Width*img.Height {
		return ErrShape
	}
	metadata := []fitsio.Card{
		{Name: "BZERO", Value: 32768},
		{Name: "BSCALE", Value: 1.0},
		{Name: "PIXSIZE", Value: img.PixelSize, Comment: "pixel size, mm"},
		{Name: "DATE-OBS", Value: img.Timestamp.UTC().Format(TimeFormat)},
		{Name: "FIDUCIAL", Value: img.Fiducial, Comment: "timing system trigger fiducial"},
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{img.Width, img.Height})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	ints := make([]int16, len(img.Pix))
	for idx, u := range img.Pix {
		ints[idx] = int16(int32(u) - 32768)
	}
	err = im.Write(ints)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// SaveFITS writes img to path.  Symbolic links at path are followed, so the
// data lands at the link's target.
func SaveFITS(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = WriteFITS(f, img)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func openPrimary(r io.Reader) (*fitsio.File, fitsio.Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		f.Close()
		return nil, nil, fmt.Errorf("primary HDU is not an image")
	}
	return f, hdu, nil
}

func parseHeader(hdr *fitsio.Header) (Header, error) {
	axes := hdr.Axes()
	if len(axes) != 2 {
		return Header{}, fmt.Errorf("expected a 2-D image, got %d axes", len(axes))
	}
	h := Header{Width: axes[0], Height: axes[1], Fiducial: -1}
	if c := hdr.Get("PIXSIZE"); c != nil {
		h.PixelSize = cardFloat(c.Value)
	}
	if c := hdr.Get("DATE-OBS"); c != nil {
		if s, ok := c.Value.(string); ok {
			if t, err := time.Parse(TimeFormat, s); err == nil {
				h.Timestamp = t
			}
		}
	}
	if c := hdr.Get("FIDUCIAL"); c != nil {
		if f := cardFloat(c.Value); !math.IsNaN(f) {
			h.Fiducial = int(f)
		}
	}
	return h, nil
}

// ReadFITS reads an image written by WriteFITS
func ReadFITS(r io.Reader) (*Image, error) {
	f, hdu, err := openPrimary(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := parseHeader(hdu.Header())
	if err != nil {
		return nil, err
	}
	if hdu.Header().Bitpix() != 16 {
		return nil, fmt.Errorf("expected BITPIX 16, got %d", hdu.Header().Bitpix())
	}
	bzero := 0.
	if c := hdu.Header().Get("BZERO"); c != nil {
		bzero = cardFloat(c.Value)
	}
	ints := make([]int16, 0, h.Width*h.Height)
	err = hdu.Read(&ints)
	if err != nil {
		return nil, err
	}
	if len(ints) != h.Width*h.Height {
		return nil, ErrShape
	}
	img := &Image{
		Pix:       make([]uint16, len(ints)),
		Width:     h.Width,
		Height:    h.Height,
		PixelSize: h.PixelSize,
		Timestamp: h.Timestamp,
		Fiducial:  h.Fiducial}
	off := int32(bzero)
	for idx, v := range ints {
		img.Pix[idx] = uint16(int32(v) + off)
	}
	return img, nil
}

// LoadFITS reads an image from a file
func LoadFITS(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := ReadFITS(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// LoadHeader reads only the metadata of an image file
func LoadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	fits, hdu, err := openPrimary(f)
	if err != nil {
		return Header{}, err
	}
	defer fits.Close()
	return parseHeader(hdu.Header())
}

func cardFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err == nil {
			return f
		}
	case fmt.Stringer:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err == nil {
			return f
		}
	}
	return math.NaN()
}
