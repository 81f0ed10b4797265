package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/beamline-go/beamline/adxv"
	"github.com/beamline-go/beamline/beamcheck"
	"github.com/beamline-go/beamline/beamlog"
	"github.com/beamline-go/beamline/comm"
	"github.com/beamline-go/beamline/configtable"
	"github.com/beamline-go/beamline/generichttp"
	"github.com/beamline-go/beamline/generichttp/camera"
	gmotion "github.com/beamline-go/beamline/generichttp/motion"
	"github.com/beamline-go/beamline/imgrec"
	"github.com/beamline-go/beamline/metrics"
	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/rayonix"
	"github.com/beamline-go/beamline/server/middleware/locker"
	"github.com/beamline-go/beamline/settings"
	"github.com/beamline-go/beamline/stabilize"
	"github.com/beamline-go/beamline/timing"
	"github.com/beamline-go/beamline/util"
)

// Detector configures the detector and its viewer
type Detector struct {
	// Addr is the comm endpoint of the detector control server
	Addr string `yaml:"Addr" koanf:"Addr"`

	// ADXV is the comm endpoint of the image viewer, empty for none
	ADXV string `yaml:"ADXV" koanf:"ADXV"`

	// TriggerCounter names the actuator that reads the timing system's
	// trigger count, empty for none
	TriggerCounter string `yaml:"TriggerCounter" koanf:"TriggerCounter"`
}

// Simulator configures the detector simulator used in Mock mode
type Simulator struct {
	// Addr is the address to listen at, ":0" for any free port
	Addr string `yaml:"Addr" koanf:"Addr"`

	// SensorSize is the unbinned sensor size, pixels
	SensorSize int `yaml:"SensorSize" koanf:"SensorSize"`

	// TriggerRate is the rate of emulated hardware triggers, Hz.  0 for none.
	TriggerRate float64 `yaml:"TriggerRate" koanf:"TriggerRate"`

	// XResponse, YResponse are the beam motion per unit of the feedback
	// control actuators, mm
	XResponse float64 `yaml:"XResponse" koanf:"XResponse"`
	YResponse float64 `yaml:"YResponse" koanf:"YResponse"`
}

// Config is a struct that holds the initialization parameters of the server.
// It is populated by koanf from defaults, the config file, and flags.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces hardware with simulators and mock actuators
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// Settings is the path of the persistent settings file
	Settings string `yaml:"Settings" koanf:"Settings"`

	// BeamLog is the path of the beam position log
	BeamLog string `yaml:"BeamLog" koanf:"BeamLog"`

	// ImageRoot is where beam check and snapshot images are recorded
	ImageRoot string `yaml:"ImageRoot" koanf:"ImageRoot"`

	// TableDomain is the settings prefix of the configuration tables
	TableDomain string `yaml:"TableDomain" koanf:"TableDomain"`

	// Stabilize starts the feedback loop with the server
	Stabilize bool `yaml:"Stabilize" koanf:"Stabilize"`

	Detector  Detector  `yaml:"Detector" koanf:"Detector"`
	Simulator Simulator `yaml:"Simulator" koanf:"Simulator"`

	// Actuators is the manifest of named actuators
	Actuators []motion.Spec `yaml:"Actuators" koanf:"Actuators"`

	// Limits are software limits on actuator writes over HTTP
	Limits map[string]gmotion.Limiter `yaml:"Limits" koanf:"Limits"`
}

// Beamline holds the components built from a Config
type Beamline struct {
	Pool      *comm.Pool
	Registry  *motion.Registry
	Store     *settings.Store
	Arena     *configtable.Arena
	Detector  *rayonix.Controller
	Simulator *rayonix.Simulator
	Check     *beamcheck.Controller
	Feedback  *stabilize.Feedback
	Monitor   *stabilize.Monitor
	Snapshots *imgrec.Recorder
	Metrics   *metrics.PromObs

	cancel context.CancelFunc
}

// beamFunc places the simulated beam according to the feedback actuators
func beamFunc(reg *motion.Registry, fb *stabilize.Feedback, c Simulator, x0, y0 float64) func() (float64, float64) {
	read := func(name string) float64 {
		a, err := reg.Lookup(name)
		if err != nil {
			return 0
		}
		v, err := a.Get()
		if err != nil {
			return 0
		}
		return v.Float64()
	}
	return func() (float64, float64) {
		cfg := fb.Config()
		return x0 + c.XResponse*read(cfg.X.Control), y0 + c.YResponse*read(cfg.Y.Control)
	}
}

// Setup builds every component.  Nothing runs until Start.
func Setup(c Config) (*Beamline, error) {
	b := &Beamline{Metrics: metrics.NewPromObs()}
	b.Pool = comm.NewPool()
	b.Pool.OnFailure = func(endpoint string, err error) {
		b.Metrics.IncCounter(metrics.TransportFailures, 1)
	}
	store, err := settings.Open(c.Settings, nil)
	if err != nil {
		return nil, err
	}
	b.Store = store
	b.Registry, err = motion.Build(c.Actuators, b.Pool, c.Mock)
	if err != nil {
		return nil, err
	}
	b.Arena = configtable.NewArena(b.Registry, store)
	if err := b.Arena.LoadDomain(c.TableDomain); err != nil {
		return nil, err
	}

	b.Feedback = stabilize.NewFeedback(beamlog.New(c.BeamLog), b.Registry)
	b.Feedback.Metrics = b.Metrics
	b.Feedback.Store = store
	if err := b.Feedback.LoadConfig(); err != nil {
		return nil, err
	}

	endpoint := c.Detector.Addr
	if c.Mock {
		sim := rayonix.NewSimulator()
		if c.Simulator.SensorSize > 0 {
			sim.SensorSize = c.Simulator.SensorSize
		}
		sim.Noise = 5
		sim.Counter = &timing.MockCounter{}
		sim.BeamFunc = beamFunc(b.Registry, b.Feedback, c.Simulator, sim.BeamX, sim.BeamY)
		if err := sim.Listen(c.Simulator.Addr); err != nil {
			return nil, err
		}
		b.Simulator = sim
		endpoint = sim.Endpoint()
	}
	client := rayonix.NewClient(b.Pool, endpoint)
	b.Detector = rayonix.NewController(client)
	b.Detector.Metrics = b.Metrics
	b.Detector.Store = store
	if c.Detector.ADXV != "" {
		b.Detector.ADXV = adxv.New(b.Pool, c.Detector.ADXV)
	}
	switch {
	case b.Simulator != nil:
		b.Detector.Counter = b.Simulator.Counter
	case c.Detector.TriggerCounter != "":
		a, err := b.Registry.Lookup(c.Detector.TriggerCounter)
		if err != nil {
			return nil, err
		}
		b.Detector.Counter = &timing.PolledCounter{Actuator: a}
	}
	if err := b.Detector.LoadOptions(); err != nil {
		return nil, err
	}

	b.Check = beamcheck.NewController(b.Registry, b.Detector,
		&imgrec.Recorder{Root: filepath.Join(c.ImageRoot, "beamcheck"), Prefix: "beamcheck_"})
	b.Check.Store = store
	if err := b.Check.LoadConfig(); err != nil {
		return nil, err
	}
	b.Monitor = stabilize.NewMonitor(b.Detector, b.Feedback)
	b.Monitor.Metrics = b.Metrics
	b.Snapshots = &imgrec.Recorder{Root: filepath.Join(c.ImageRoot, "snapshots"), Prefix: "snap_"}
	return b, nil
}

// Start runs the background loops
func (b *Beamline) Start(c Config) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.Monitor.Run(ctx)
	if c.Stabilize {
		b.Feedback.Start()
	}
	if b.Simulator != nil && c.Simulator.TriggerRate > 0 {
		go func() {
			ticker := time.NewTicker(util.SecsToDuration(1 / c.Simulator.TriggerRate))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					b.Simulator.Trigger()
				}
			}
		}()
	}
}

// Close stops everything and releases the connections
func (b *Beamline) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.Feedback.Stop()
	b.Check.Stop()
	if b.Detector.Acquiring() {
		if err := b.Detector.Abort(); err != nil {
			log.Printf("beamlinesrv: %v", err)
		}
	}
	if b.Simulator != nil {
		b.Simulator.Close()
	}
	b.Pool.Close()
}

// node is one subsystem served under a URL stem
type node struct {
	stem       string
	httper     generichttp.HTTPer
	middleware []func(http.Handler) http.Handler
}

// nodes lists the subsystems of b
func (b *Beamline) nodes(c Config) []node {
	detector := rayonix.NewHTTPController(b.Detector)
	live := camera.NewHTTPLive(b.Detector, b.Snapshots)
	limiter := gmotion.LimitMiddleware{Limits: c.Limits, Registry: b.Registry}
	actuators := gmotion.NewHTTPActuators(b.Registry)
	limiter.Inject(actuators)
	out := []node{
		{stem: "detector", httper: detector},
		{stem: "live", httper: live},
		{stem: "beamcheck", httper: beamcheck.NewHTTPController(b.Check)},
		{stem: "stabilize", httper: stabilize.NewHTTPFeedback(b.Feedback)},
		{stem: "actuators", httper: actuators, middleware: []func(http.Handler) http.Handler{limiter.Check}},
		{stem: "tables", httper: configtable.NewHTTPArena(b.Arena)},
	}
	for _, name := range b.Arena.Names() {
		t, err := b.Arena.Table(name)
		if err != nil {
			continue
		}
		out = append(out, node{stem: fmt.Sprintf("table/%s", name), httper: configtable.NewHTTPTable(t)})
	}
	return out
}

// BuildMux mounts every subsystem on its own sub-router with a lock.
// The mux serves a special route, /endpoints, which returns a map of
// stems to their routes as JSON, and /metrics for Prometheus.
func BuildMux(c Config, b *Beamline) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(middleware.Recoverer)
	supergraph := map[string][]string{}

	for _, n := range b.nodes(c) {
		// prepare the URL, "table/optics/" => "/table/optics"
		hndlS := generichttp.SubMuxSanitize(n.stem)

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(n.httper, lock)

		// add the endpoints to the graph
		supergraph[hndlS] = n.httper.RT().Endpoints()

		// bind to the mux
		r := chi.NewRouter()
		r.Use(n.middleware...)
		r.Use(lock.Check)
		n.httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Handle("/metrics", metrics.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
