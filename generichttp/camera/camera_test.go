package camera

import (
	"bytes"
	"image/png"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi"

	core "github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/imgrec"
)

type list []string

func (l list) Delivered() []string { return l }

func writeImage(t *testing.T, w, h int) string {
	img := core.NewImage(w, h, 0.1)
	img.Fill(100)
	img.DrawGaussian(2, 3, 0.5, 4000)
	path := filepath.Join(t.TempDir(), "live_000001.fits")
	if err := core.SaveFITS(path, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func serve(h HTTPLive) http.Handler {
	r := chi.NewRouter()
	h.RT().Bind(r)
	return r
}

func TestThumbnailSizeAndRotation(t *testing.T) {
	path := writeImage(t, 60, 40)
	h := serve(NewHTTPLive(list{path}, nil))
	for _, tt := range []struct {
		query string
		w, h  int
	}{
		{"", 60, 40},
		{"?size=30", 30, 20},
		{"?size=30&rot=1", 20, 30},
		{"?size=0&rot=2", 60, 40},
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/image/latest.png"+tt.query, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", tt.query, w.Code)
		}
		img, err := png.Decode(w.Body)
		if err != nil {
			t.Fatal(err)
		}
		b := img.Bounds()
		if b.Dx() != tt.w || b.Dy() != tt.h {
			t.Errorf("%s: expected %dx%d got %dx%d", tt.query, tt.w, tt.h, b.Dx(), b.Dy())
		}
	}
}

func TestNoImage(t *testing.T) {
	h := serve(NewHTTPLive(list{}, nil))
	for _, p := range []string{"/image/latest.png", "/image/latest.fits"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404 got %d", p, w.Code)
		}
	}
}

func TestFITSDownloadIsRecorded(t *testing.T) {
	path := writeImage(t, 16, 16)
	rec := &imgrec.Recorder{Root: t.TempDir(), Prefix: "snap_", Enabled: true}
	h := serve(NewHTTPLive(list{path}, rec))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/image/latest.fits", nil))
	want, _ := ioutil.ReadFile(path)
	if !bytes.Equal(w.Body.Bytes(), want) {
		t.Error("expected the file contents")
	}
	img, err := core.ReadFITS(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 16 {
		t.Errorf("expected width 16 got %d", img.Width)
	}
	matches, _ := filepath.Glob(filepath.Join(rec.Root, "*", "snap_*.fits"))
	if len(matches) != 1 {
		t.Errorf("expected one recorded copy got %v", matches)
	}
}

func TestStretch(t *testing.T) {
	img := core.NewImage(3, 1, 1)
	img.Pix = []uint16{100, 150, 200}
	g := Stretch(img)
	if g.Pix[0] != 0 || g.Pix[2] != 255 || g.Pix[1] != 127 {
		t.Errorf("expected [0 127 255] got %v", g.Pix)
	}
}
