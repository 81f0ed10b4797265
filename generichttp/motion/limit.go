package motion

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	"github.com/beamline-go/beamline/generichttp"
	core "github.com/beamline-go/beamline/motion"
)

var (
	errClamped = errors.New("requested value violates software limits, aborted")
)

// Limiter is a closed interval of allowed values
type Limiter struct {
	Min float64 `json:"min" yaml:"Min" koanf:"Min"`
	Max float64 `json:"max" yaml:"Max" koanf:"Max"`
}

// Check is true if v lies within the limits
func (l Limiter) Check(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// LimitMiddleware is a type that can impose actuator-specific limits on
// numeric writes.  A write that would violate the limit is rejected and the
// chain of handling calls stops.
type LimitMiddleware struct {
	// Limits contains the server imposed limits, by actuator name
	Limits map[string]Limiter

	// Registry is used to read current values for relative writes
	Registry *core.Registry
}

// axisOf extracts the actuator name from a .../axis/{axis}/value path
func axisOf(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	n := len(parts)
	if n < 3 || parts[n-1] != "value" || parts[n-3] != "axis" {
		return "", false
	}
	return parts[n-2], true
}

// Check verifies if a write would violate the limit of the actuator, if it
// exists, and if it does, responds with StatusBadRequest.  Otherwise control
// flows to the next handler.
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		axis, ok := axisOf(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		// bail as early as possible if we don't have a limit for this axis
		limiter, ok := l.Limits[axis]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		relative, err := popRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// downstream functions want the body too;
		// read it all here, then "paste" it back
		bodyContent, _ := ioutil.ReadAll(r.Body)
		r.Body.Close()
		r.Body = ioutil.NopCloser(bytes.NewBuffer(bodyContent))
		var body valueT
		err = json.NewDecoder(bytes.NewReader(bodyContent)).Decode(&body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.F64 == nil {
			next.ServeHTTP(w, r)
			return
		}
		cmd := *body.F64
		if relative {
			a, err := l.Registry.Lookup(axis)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			cur, err := a.Get()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			cmd += cur.Float64()
		}
		if !limiter.Check(cmd) {
			http.Error(w, errClamped.Error(), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a /axis/{axis}/limits route on the table of the HTTPer
func (l LimitMiddleware) Inject(h generichttp.HTTPer) {
	h.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/limits"}] = Limits(l)
}

// Limits returns an HTTP handler func that returns the limits for an axis,
// or null if it has none
func Limits(l LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		lim, ok := l.Limits[axis]
		w.Header().Set("Content-Type", "application/json")
		var err error
		if !ok {
			err = json.NewEncoder(w).Encode(nil)
		} else {
			err = json.NewEncoder(w).Encode(lim)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
