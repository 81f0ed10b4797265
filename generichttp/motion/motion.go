// Package motion provides an HTTP interface to the actuators of a registry
package motion

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/beamline-go/beamline/generichttp"
	core "github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/server"
)

// valueT is the body of a write; exactly one field is expected
type valueT struct {
	F64 *float64 `json:"f64"`
	Str *string  `json:"str"`
}

// lookup finds the actuator named in the path, replying 404 if there is none
func lookup(reg *core.Registry, w http.ResponseWriter, r *http.Request) (core.Actuator, bool) {
	a, err := reg.Lookup(chi.URLParam(r, "axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return a, true
}

func respondValue(w http.ResponseWriter, r *http.Request, v core.Value) {
	var hp server.HumanPayload
	if v.Numeric() {
		hp = server.HumanPayload{T: types.Float64, Float: v.Float}
	} else {
		hp = server.HumanPayload{T: types.String, String: v.String}
	}
	hp.EncodeAndRespond(w, r)
}

func popRelative(r *http.Request) (bool, error) {
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		return false, nil
	}
	return strconv.ParseBool(relative)
}

// GetValue returns an HTTP handler func that reads the value of an actuator
func GetValue(reg *core.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		v, err := a.Get()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondValue(w, r, v)
	}
}

// SetValue returns an HTTP handler func that writes {"f64": x} or
// {"str": s} to an actuator.  With ?relative=true a number is added to the
// current value.
func SetValue(reg *core.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		relative, err := popRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var body valueT
		err = json.NewDecoder(r.Body).Decode(&body)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var v core.Value
		switch {
		case body.F64 != nil:
			v = core.Float(*body.F64)
			if relative {
				cur, err := a.Get()
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				v.Float += cur.Float64()
			}
		case body.Str != nil:
			v = core.String(*body.Str)
		default:
			http.Error(w, "body must contain f64 or str", http.StatusBadRequest)
			return
		}
		err = a.Set(v)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, core.ErrReadOnly) {
				code = http.StatusMethodNotAllowed
			}
			http.Error(w, err.Error(), code)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetCommandValue returns an HTTP handler func that reads the last set-point
// of an actuator, or its value if it does not track set-points
func GetCommandValue(reg *core.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		var (
			v   core.Value
			err error
		)
		if cv, ok := a.(core.CommandValuer); ok {
			v, err = cv.CommandValue()
		} else {
			v, err = a.Get()
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondValue(w, r, v)
	}
}

// GetDescription returns an HTTP handler func that sends the description of
// an actuator
func GetDescription(reg *core.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		var s string
		if d, ok := a.(core.Describer); ok {
			s = d.Description()
		}
		hp := server.HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPActuators wraps a registry with HTTP
type HTTPActuators struct {
	Registry *core.Registry

	RouteTable generichttp.RouteTable
}

// NewHTTPActuators returns a new HTTP wrapper with the route table pre-configured
func NewHTTPActuators(reg *core.Registry) HTTPActuators {
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axes"}] = generichttp.GetJSON(func() (interface{}, error) {
		return reg.Names(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/value"}] = GetValue(reg)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/value"}] = SetValue(reg)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/command-value"}] = GetCommandValue(reg)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/description"}] = GetDescription(reg)
	HTTPMoving(reg, rt)
	HTTPStop(reg, rt)
	return HTTPActuators{Registry: reg, RouteTable: rt}
}

// RT satisfies the HTTPer interface
func (h HTTPActuators) RT() generichttp.RouteTable {
	return h.RouteTable
}
