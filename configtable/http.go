package configtable

import (
	"context"
	"encoding/json"
	"go/types"
	"io/ioutil"
	"log"
	"net/http"
	"strings"

	"github.com/beamline-go/beamline/generichttp"
	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/server"
	"github.com/beamline-go/beamline/util"
)

// cell is the JSON form of a value: a number (null when unset) or a string
func cell(v motion.Value) interface{} {
	if v.Numeric() {
		return server.NullFloat(v.Float)
	}
	return v.String
}

func cells(vs []motion.Value) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = cell(v)
	}
	return out
}

type rowJSON struct {
	Description string        `json:"description"`
	Updated     string        `json:"updated"`
	Values      []interface{} `json:"values"`
}

type cellJSON struct {
	Row   int             `json:"row"`
	Col   int             `json:"col"`
	Value json.RawMessage `json:"value"`
}

type descrJSON struct {
	Row int    `json:"row"`
	Str string `json:"str"`
}

// HTTPTable exposes a configuration table over HTTP
type HTTPTable struct {
	t *Table

	RouteTable generichttp.RouteTable
}

// NewHTTPTable returns a wrapper with a populated route table
func NewHTTPTable(t *Table) HTTPTable {
	h := HTTPTable{t: t, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/layout"}] = h.GetLayout
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/layout"}] = h.SetLayout
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/rows"}] = h.GetRows
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/nrows"}] = generichttp.SetInt(t.SetNRows)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/position"}] = h.SetPosition
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/description"}] = h.SetDescription
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/current"}] = h.GetCurrent
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/nominal"}] = h.GetNominal
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/matching"}] = h.GetMatching
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/closest"}] = h.GetClosest
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/command-rows"}] = h.GetCommandRows
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/command-rows"}] = h.SetCommandRows
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/apply"}] = h.Apply
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/applying"}] = generichttp.GetBool(func() (bool, error) { return t.Applying(), nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/define"}] = generichttp.SetInt(t.Define)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Action(func() error { t.Stop(); return nil })
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPTable) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetLayout sends the layout as JSON
func (h HTTPTable) GetLayout(w http.ResponseWriter, r *http.Request) {
	server.EncodeJSON(w, h.t.Layout())
}

// SetLayout replaces the layout from JSON
func (h HTTPTable) SetLayout(w http.ResponseWriter, r *http.Request) {
	var l Layout
	err := json.NewDecoder(r.Body).Decode(&l)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.t.SetLayout(l); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRows sends every row
func (h HTTPTable) GetRows(w http.ResponseWriter, r *http.Request) {
	rows := h.t.Rows()
	out := make([]rowJSON, len(rows))
	for i, row := range rows {
		out[i] = rowJSON{Description: row.Description, Updated: row.Updated, Values: cells(row.Values)}
	}
	server.EncodeJSON(w, out)
}

// SetPosition changes one cell from {"row": r, "col": c, "value": v}
func (h HTTPTable) SetPosition(w http.ResponseWriter, r *http.Request) {
	var c cellJSON
	err := json.NewDecoder(r.Body).Decode(&c)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var v motion.Value
	var f float64
	var s string
	switch {
	case string(c.Value) == "null":
		v = motion.String("")
	case json.Unmarshal(c.Value, &f) == nil:
		v = motion.Float(f)
	case json.Unmarshal(c.Value, &s) == nil:
		v = motion.String(s)
	default:
		http.Error(w, "value must be a number, string, or null", http.StatusBadRequest)
		return
	}
	if err := h.t.SetPosition(c.Col, c.Row, v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetDescription changes a row description from {"row": r, "str": s}
func (h HTTPTable) SetDescription(w http.ResponseWriter, r *http.Request) {
	var d descrJSON
	err := json.NewDecoder(r.Body).Decode(&d)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.t.SetDescription(d.Row, d.Str); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetCurrent sends the live actuator readout
func (h HTTPTable) GetCurrent(w http.ResponseWriter, r *http.Request) {
	server.EncodeJSON(w, cells(h.t.CurrentPositions()))
}

// GetNominal sends the set-points of the command rows
func (h HTTPTable) GetNominal(w http.ResponseWriter, r *http.Request) {
	server.EncodeJSON(w, cells(h.t.NominalPositions()))
}

// GetMatching sends the indices of the matching rows
func (h HTTPTable) GetMatching(w http.ResponseWriter, r *http.Request) {
	server.EncodeJSON(w, h.t.MatchingRows())
}

// GetClosest sends the indices of the closest rows
func (h HTTPTable) GetClosest(w http.ResponseWriter, r *http.Request) {
	server.EncodeJSON(w, h.t.ClosestRows())
}

// GetCommandRows sends the selected rows
func (h HTTPTable) GetCommandRows(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(util.IntSliceToCSV(h.t.CommandRows())))
		return
	}
	server.EncodeJSON(w, h.t.CommandRows())
}

// SetCommandRows selects rows from a JSON array of indices, or from
// comma separated indices when the body is text/plain
func (h HTTPTable) SetCommandRows(w http.ResponseWriter, r *http.Request) {
	var rows []int
	var err error
	defer r.Body.Close()
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/plain") {
		var b []byte
		b, err = ioutil.ReadAll(r.Body)
		if err == nil {
			rows, err = util.CSVToIntSlice(string(b))
		}
	} else {
		err = json.NewDecoder(r.Body).Decode(&rows)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.t.SetCommandRows(rows); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Apply starts an apply in the background and returns immediately.  Poll
// /applying to follow it.
func (h HTTPTable) Apply(w http.ResponseWriter, r *http.Request) {
	h.t.startApply(func() {
		if err := h.t.Apply(context.Background()); err != nil {
			log.Printf("configtable: %s: apply: %v", h.t.Name, err)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

// HTTPArena lists the tables of an arena
type HTTPArena struct {
	a *Arena

	RouteTable generichttp.RouteTable
}

// NewHTTPArena returns a wrapper with a populated route table
func NewHTTPArena(a *Arena) HTTPArena {
	h := HTTPArena{a: a, RouteTable: generichttp.RouteTable{}}
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/tables"}] = func(w http.ResponseWriter, r *http.Request) {
		server.EncodeJSON(w, a.Names())
	}
	h.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/count"}] = func(w http.ResponseWriter, r *http.Request) {
		hp := server.HumanPayload{T: types.Int, Int: len(a.Names())}
		hp.EncodeAndRespond(w, r)
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTPArena) RT() generichttp.RouteTable {
	return h.RouteTable
}
