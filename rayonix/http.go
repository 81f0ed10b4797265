package rayonix

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/beamline-go/beamline/generichttp"
	"github.com/beamline-go/beamline/server"
)

// HTTPController exposes a Controller over HTTP
type HTTPController struct {
	c *Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPController returns a wrapper with a populated route table
func NewHTTPController(c *Controller) HTTPController {
	h := HTTPController{c: c, RouteTable: generichttp.RouteTable{}}
	cl := c.Client
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = generichttp.GetJSON(func() (interface{}, error) { return c.Status(), nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}] = generichttp.GetString(func() (string, error) {
		st, err := cl.State()
		return st.String(), err
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/online"}] = generichttp.GetBool(func() (bool, error) { return c.Online(), nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/bin"}] = generichttp.GetInt(cl.Bin)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/bin"}] = generichttp.SetInt(cl.SetBin)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/readout-mode"}] = generichttp.GetInt(func() (int, error) {
		m, err := cl.ReadoutMode()
		return int(m), err
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/readout-mode"}] = generichttp.SetInt(func(m int) error { return cl.SetReadoutMode(ReadoutMode(m)) })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/size"}] = generichttp.GetJSON(func() (interface{}, error) {
		w, h, err := cl.Size()
		return []int{w, h}, err
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/bkg-valid"}] = generichttp.GetBool(func() (bool, error) { return cl.BkgValid(), nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/bkg"}] = h.UpdateBkg
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/series"}] = h.AcquireImages
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/image"}] = h.Acquire
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/abort"}] = generichttp.Action(c.Abort)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/options"}] = generichttp.GetJSON(func() (interface{}, error) { return c.Options(), nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/options"}] = h.SetOptions
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/delivered"}] = generichttp.GetJSON(func() (interface{}, error) { return c.Delivered(), nil })
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPController) RT() generichttp.RouteTable {
	return h.RouteTable
}

// UpdateBkg reads a new background image
func (h HTTPController) UpdateBkg(w http.ResponseWriter, r *http.Request) {
	if err := h.c.Client.UpdateBkg(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// AcquireImages starts a series from a JSON array of
// {"imageNumber": n, "filename": f}.  The series outlives the request.
func (h HTTPController) AcquireImages(w http.ResponseWriter, r *http.Request) {
	var req Request
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.c.Submit(context.Background(), req); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Acquire takes one image to the path in {"str": path}
func (h HTTPController) Acquire(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.c.Acquire(r.Context(), str.Str); err != nil {
		code := http.StatusInternalServerError
		if err == ErrBusy {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetOptions replaces the controller options from JSON.  Fields missing
// from the body keep their values.
func (h HTTPController) SetOptions(w http.ResponseWriter, r *http.Request) {
	o := h.c.Options()
	err := json.NewDecoder(r.Body).Decode(&o)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.c.SetOptions(o); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
