package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	gmotion "github.com/beamline-go/beamline/generichttp/motion"
	"github.com/beamline-go/beamline/motion"
)

func mockConfig(t *testing.T) Config {
	dir := t.TempDir()
	c := defaults()
	c.Mock = true
	c.Settings = filepath.Join(dir, "settings.yaml")
	c.BeamLog = filepath.Join(dir, "beam_position.log")
	c.ImageRoot = filepath.Join(dir, "images")
	c.Simulator = Simulator{Addr: "127.0.0.1:0", SensorSize: 256}
	c.Actuators = []motion.Spec{
		{Name: "mir_x", Type: "gcs2", Addr: "tcp://nowhere:50000", Args: map[string]interface{}{"Axis": "A"}},
		{Name: "piezo_y", Type: "mock", Args: map[string]interface{}{"Initial": 2.5}},
	}
	c.Limits = map[string]gmotion.Limiter{"mir_x": {Min: -1, Max: 1}}
	return c
}

// one server per test binary; the metrics register globally
func TestBeamlineServer(t *testing.T) {
	c := mockConfig(t)
	b, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	srv := httptest.NewServer(BuildMux(c, b))
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	t.Run("endpoints", func(t *testing.T) {
		resp := get("/endpoints")
		defer resp.Body.Close()
		graph := map[string][]string{}
		if err := json.NewDecoder(resp.Body).Decode(&graph); err != nil {
			t.Fatal(err)
		}
		for _, stem := range []string{"/detector", "/live", "/beamcheck", "/stabilize", "/actuators", "/tables"} {
			if _, ok := graph[stem]; !ok {
				t.Errorf("expected %s in the endpoint graph", stem)
			}
		}
	})

	t.Run("mock actuators", func(t *testing.T) {
		resp := get("/actuators/axis/piezo_y/value")
		defer resp.Body.Close()
		var v struct {
			F64 float64 `json:"f64"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			t.Fatal(err)
		}
		if v.F64 != 2.5 {
			t.Errorf("expected 2.5 got %v", v.F64)
		}
	})

	t.Run("limits", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/actuators/axis/mir_x/value", "application/json", strings.NewReader(`{"f64": 5}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for an out of limits move got %d", resp.StatusCode)
		}
	})

	t.Run("lock", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/stabilize/lock", "application/json", strings.NewReader(`{"bool": true}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		resp, err = http.Post(srv.URL+"/stabilize/start", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusLocked {
			t.Errorf("expected 423 while locked got %d", resp.StatusCode)
		}
	})

	t.Run("detector online", func(t *testing.T) {
		resp := get("/detector/state")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200 from the simulated detector got %d", resp.StatusCode)
		}
	})
}
