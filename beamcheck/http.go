package beamcheck

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/beamline-go/beamline/generichttp"
	"github.com/beamline-go/beamline/server"
)

type pointJSON struct {
	Control  server.NullFloat `json:"control"`
	Position server.NullFloat `json:"position"`
	Filename string           `json:"filename"`
}

type resultJSON struct {
	Axis      string           `json:"axis"`
	Points    []pointJSON      `json:"points"`
	Control   server.NullFloat `json:"control"`
	Gain      server.NullFloat `json:"gain"`
	Average   server.NullFloat `json:"average"`
	Nominal   server.NullFloat `json:"nominal"`
	Corrected server.NullFloat `json:"corrected"`
	Time      string           `json:"time"`
}

func toJSON(r Result) resultJSON {
	out := resultJSON{
		Axis:      r.Axis,
		Points:    make([]pointJSON, len(r.Points)),
		Control:   server.NullFloat(r.Control),
		Gain:      server.NullFloat(r.Gain),
		Average:   server.NullFloat(r.Average),
		Nominal:   server.NullFloat(r.Nominal),
		Corrected: server.NullFloat(r.Corrected),
		Time:      r.Time.Format("2006-01-02 15:04:05"),
	}
	for i, p := range r.Points {
		out.Points[i] = pointJSON{server.NullFloat(p.Control), server.NullFloat(p.Position), p.Filename}
	}
	return out
}

// HTTPController exposes a Controller over HTTP
type HTTPController struct {
	c *Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPController returns a wrapper with a populated route table
func NewHTTPController(c *Controller) HTTPController {
	h := HTTPController{c: c, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}] = generichttp.Action(func() error { c.Start(); return nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Action(func() error { c.Stop(); return nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/running"}] = generichttp.GetBool(func() (bool, error) { return c.Running(), nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}] = generichttp.GetJSON(func() (interface{}, error) { return c.Config(), nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/config"}] = h.SetConfig
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/result/{axis}"}] = h.GetResult
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/apply/x"}] = generichttp.Action(c.ApplyXCorrection)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/apply/y"}] = generichttp.Action(c.ApplyYCorrection)
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPController) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetConfig replaces the configuration from JSON
func (h HTTPController) SetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.c.Config()
	err := json.NewDecoder(r.Body).Decode(&cfg)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.c.SetConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetResult sends the last result of the axis in the path
func (h HTTPController) GetResult(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	res, ok := h.c.Result(axis)
	if !ok {
		http.Error(w, ErrNoResult.Error(), http.StatusNotFound)
		return
	}
	server.EncodeJSON(w, toJSON(res))
}
