// Package camera provides an HTTP interface to the live images of a detector
package camera

import (
	"image"
	"image/png"
	"net/http"
	"strconv"

	"github.com/disintegration/gift"

	core "github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/generichttp"
	"github.com/beamline-go/beamline/imgrec"
)

// DefaultThumbnail is the longest side of a thumbnail when none is asked for
const DefaultThumbnail = 512

// ImageSource lists the images a detector has produced, oldest first
type ImageSource interface {
	Delivered() []string
}

// latest returns the newest image path, replying 404 if there is none
func latest(src ImageSource, w http.ResponseWriter) (string, bool) {
	paths := src.Delivered()
	if len(paths) == 0 {
		http.Error(w, "no image has been acquired", http.StatusNotFound)
		return "", false
	}
	return paths[len(paths)-1], true
}

// thumbnail renders img as an 8-bit image no larger than size on a side,
// rotated by rot quarter turns clockwise
func thumbnail(img *core.Image, size, rot int) image.Image {
	g := gift.New()
	switch ((rot % 4) + 4) % 4 {
	case 1:
		g.Add(gift.Rotate270())
	case 2:
		g.Add(gift.Rotate180())
	case 3:
		g.Add(gift.Rotate90())
	}
	if size > 0 && (img.Width > size || img.Height > size) {
		g.Add(gift.ResizeToFit(size, size, gift.LinearResampling))
	}
	src := Stretch(img)
	dst := image.NewGray(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}

func queryInt(r *http.Request, key string, dflt int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return dflt, nil
	}
	return strconv.Atoi(s)
}

// GetThumbnail returns an HTTP handler func that sends the newest image as
// a PNG.  The query parameters size (longest side, pixels; 0 for full size)
// and rot (quarter turns clockwise) are optional.
func GetThumbnail(src ImageSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size, err := queryInt(r, "size", DefaultThumbnail)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rot, err := queryInt(r, "rot", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		path, ok := latest(src, w)
		if !ok {
			return
		}
		img, err := core.LoadFITS(path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		png.Encode(w, thumbnail(img, size, rot))
	}
}

// HTTPLive serves the live image of a detector
type HTTPLive struct {
	Source ImageSource

	// Recorder, if enabled, keeps a copy of every downloaded FITS file
	Recorder *imgrec.Recorder

	RouteTable generichttp.RouteTable
}

// NewHTTPLive returns a new HTTP wrapper with the route table pre-configured
func NewHTTPLive(src ImageSource, rec *imgrec.Recorder) HTTPLive {
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/image/latest.fits"}] = GetFITS(src, rec)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/image/latest.png"}] = GetThumbnail(src)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/image/latest"}] = generichttp.GetString(func() (string, error) {
		paths := src.Delivered()
		if len(paths) == 0 {
			return "", nil
		}
		return paths[len(paths)-1], nil
	})
	h := HTTPLive{Source: src, Recorder: rec, RouteTable: rt}
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(h)
	}
	return h
}

// RT satisfies the HTTPer interface
func (h HTTPLive) RT() generichttp.RouteTable {
	return h.RouteTable
}
