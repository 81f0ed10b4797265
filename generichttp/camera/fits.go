package camera

import (
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"path/filepath"

	"github.com/beamline-go/beamline/imgrec"
)

// GetFITS returns an HTTP handler func that sends the newest image file as
// an attachment.  If rec is enabled a copy is recorded as well.
func GetFITS(src ImageSource, rec *imgrec.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, ok := latest(src, w)
		if !ok {
			return
		}
		b, err := ioutil.ReadFile(path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if rec != nil && rec.Enabled && rec.Root != "" {
			if _, err := rec.Write(b); err != nil {
				log.Printf("camera: recording %s: %v", path, err)
			}
		}
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(path)))
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}
