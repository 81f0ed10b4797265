package stabilize

import (
	"context"
	"log"
	"math"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/beamline-go/beamline/beamlog"
	"github.com/beamline-go/beamline/beamprofile"
	"github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/metrics"
)

// Source publishes the paths of new images
type Source interface {
	Subscribe() (<-chan string, func())
}

// Monitor analyzes every image a Source publishes and appends the result to
// the beam position log
type Monitor struct {
	Source   Source
	Feedback *Feedback
	Metrics  metrics.Observer

	// Load reads an image; camera.LoadFITS if nil
	Load func(path string) (*camera.Image, error)
}

// NewMonitor returns a monitor feeding the log of fb
func NewMonitor(src Source, fb *Feedback) *Monitor {
	return &Monitor{Source: src, Feedback: fb}
}

func (m *Monitor) control(name string) float64 {
	if name == "" {
		return math.NaN()
	}
	a, err := m.Feedback.Registry.Lookup(name)
	if err != nil {
		return math.NaN()
	}
	v, err := a.Get()
	if err != nil {
		log.Printf("stabilize: reading %s: %v", name, err)
		return math.NaN()
	}
	return v.Float64()
}

// Record analyzes the image at path and appends a log record for it
func (m *Monitor) Record(path string) (beamlog.Record, error) {
	load := m.Load
	if load == nil {
		load = camera.LoadFITS
	}
	img, err := load(path)
	if err != nil {
		return beamlog.Record{}, err
	}
	cfg := m.Feedback.Config()
	res := beamprofile.Analyze(img, cfg.ROI)
	rec := beamlog.Record{
		Time:           time.Now(),
		Filename:       filepath.Base(path),
		X:              res.XCenter,
		Y:              res.YCenter,
		XControl:       m.control(cfg.X.Control),
		YControl:       m.control(cfg.Y.Control),
		ImageTimestamp: img.Timestamp,
		XFWHM:          res.XFWHM,
		YFWHM:          res.YFWHM,
		SNR:            res.SNR,
		Overload:       res.Overload,
	}
	obs := metrics.Or(m.Metrics)
	obs.SetGauge(metrics.BeamX, rec.X)
	obs.SetGauge(metrics.BeamY, rec.Y)
	return rec, m.Feedback.Log.Append(rec)
}

// Run records images until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ch, cancel := m.Source.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-ch:
			if !ok {
				return
			}
			m.safeRecord(path)
		}
	}
}

// safeRecord records one image, logging instead of dying if it panics
func (m *Monitor) safeRecord(path string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("stabilize: panic recording %s: %v\n%s", path, r, debug.Stack())
		}
	}()
	if _, err := m.Record(path); err != nil {
		log.Printf("stabilize: %s: %v", path, err)
	}
}
