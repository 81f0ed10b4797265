package stabilize

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/beamline-go/beamline/beamlog"
	"github.com/beamline-go/beamline/generichttp"
	"github.com/beamline-go/beamline/server"
)

type correctionJSON struct {
	Time     string           `json:"time"`
	Samples  int              `json:"samples"`
	XPos     server.NullFloat `json:"xPos"`
	YPos     server.NullFloat `json:"yPos"`
	XControl server.NullFloat `json:"xControl"`
	YControl server.NullFloat `json:"yControl"`
	XNew     server.NullFloat `json:"xNew"`
	YNew     server.NullFloat `json:"yNew"`
	XWritten bool             `json:"xWritten"`
	YWritten bool             `json:"yWritten"`
}

func toJSON(c Correction) correctionJSON {
	out := correctionJSON{
		Samples:  c.Samples,
		XPos:     server.NullFloat(c.XPos),
		YPos:     server.NullFloat(c.YPos),
		XControl: server.NullFloat(c.XControl),
		YControl: server.NullFloat(c.YControl),
		XNew:     server.NullFloat(c.XNew),
		YNew:     server.NullFloat(c.YNew),
		XWritten: c.XWritten,
		YWritten: c.YWritten,
	}
	if !c.Time.IsZero() {
		out.Time = c.Time.Format(beamlog.TimeFormat)
	}
	return out
}

// HTTPFeedback exposes a Feedback over HTTP
type HTTPFeedback struct {
	f *Feedback

	RouteTable generichttp.RouteTable
}

// NewHTTPFeedback returns a wrapper with a populated route table
func NewHTTPFeedback(f *Feedback) HTTPFeedback {
	h := HTTPFeedback{f: f, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}] = generichttp.Action(func() error { f.Start(); return nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Action(func() error { f.Stop(); return nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/running"}] = generichttp.GetBool(func() (bool, error) { return f.Running(), nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}] = generichttp.GetJSON(func() (interface{}, error) { return f.Config(), nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/config"}] = h.SetConfig
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/enabled/{axis}"}] = h.GetEnabled
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/enabled/{axis}"}] = h.SetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/last"}] = h.GetLast
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/apply"}] = h.Apply
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/history/{column}"}] = h.History
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPFeedback) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetConfig replaces the configuration from JSON
func (h HTTPFeedback) SetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.f.Config()
	err := json.NewDecoder(r.Body).Decode(&cfg)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.f.SetConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetEnabled sends whether feedback on the axis is enabled
func (h HTTPFeedback) GetEnabled(w http.ResponseWriter, r *http.Request) {
	cfg := h.f.Config()
	var on bool
	switch chi.URLParam(r, "axis") {
	case "x":
		on = cfg.X.Enabled
	case "y":
		on = cfg.Y.Enabled
	default:
		http.Error(w, "axis must be x or y", http.StatusNotFound)
		return
	}
	hp := server.HumanPayload{T: types.Bool, Bool: on}
	hp.EncodeAndRespond(w, r)
}

// SetEnabled switches feedback on the axis from {"bool": ...}
func (h HTTPFeedback) SetEnabled(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.f.SetEnabled(chi.URLParam(r, "axis"), b.Bool); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetLast sends the last correction and skip reason
func (h HTTPFeedback) GetLast(w http.ResponseWriter, r *http.Request) {
	c, skip := h.f.Last()
	server.EncodeJSON(w, struct {
		Correction correctionJSON `json:"correction"`
		Skip       string         `json:"skip"`
	}{toJSON(c), skip})
}

// Apply makes a one-shot correction.  A skip is a 409.
func (h HTTPFeedback) Apply(w http.ResponseWriter, r *http.Request) {
	c, err := h.f.ApplyCorrection()
	if err != nil {
		code := http.StatusInternalServerError
		if IsSkip(err) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	server.EncodeJSON(w, toJSON(c))
}

// History sends the last n values of a log column, ?n=&filter=
func (h HTTPFeedback) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := 0
	if s := q.Get("n"); s != "" {
		var err error
		n, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	vals, err := h.f.Log.History(chi.URLParam(r, "column"), n, q.Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	server.EncodeJSON(w, vals)
}
