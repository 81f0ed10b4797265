// Package metrics counts what the acquisition and feedback pipeline does.
// Components report through the Observer interface; PromObs exports the
// numbers to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names
const (
	ImagesDelivered   = "beamline_images_delivered_total"
	ImagesUnmatched   = "beamline_images_unmatched_total"
	FilesPruned       = "beamline_scratch_files_pruned_total"
	TransportFailures = "beamline_transport_failures_total"
	FeedbackRuns      = "beamline_feedback_iterations_total"
	FeedbackSkips     = "beamline_feedback_skips_total"
	Corrections       = "beamline_corrections_total"
	BeamX             = "beamline_beam_x_mm"
	BeamY             = "beamline_beam_y_mm"
	TriggerCount      = "beamline_trigger_count"
	DeliveryLatency   = "beamline_image_delivery_seconds"
)

// Observer receives counts, levels, and durations by metric name.  Unknown
// names are ignored.
type Observer interface {
	IncCounter(name string, v float64)
	SetGauge(name string, v float64)
	ObserveLatency(name string, seconds float64)
}

// Nop discards everything
type Nop struct{}

// IncCounter does nothing
func (Nop) IncCounter(string, float64) {}

// SetGauge does nothing
func (Nop) SetGauge(string, float64) {}

// ObserveLatency does nothing
func (Nop) ObserveLatency(string, float64) {}

// Or returns o, or Nop if o is nil
func Or(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// PromObs is an Observer backed by Prometheus collectors
type PromObs struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs creates the collectors and registers them with the default
// registerer
func NewPromObs() *PromObs {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	p := &PromObs{
		counters: map[string]prometheus.Counter{
			ImagesDelivered:   counter(ImagesDelivered, "Detector images moved to their requested filename."),
			ImagesUnmatched:   counter(ImagesUnmatched, "Scratch images with no pending request."),
			FilesPruned:       counter(FilesPruned, "Scratch files deleted by the retention limit."),
			TransportFailures: counter(TransportFailures, "Failed exchanges with networked hardware."),
			FeedbackRuns:      counter(FeedbackRuns, "Beam stabilization loop iterations."),
			FeedbackSkips:     counter(FeedbackSkips, "Beam stabilization iterations skipped by a gate."),
			Corrections:       counter(Corrections, "Corrections written to beam steering actuators."),
		},
		gauges: map[string]prometheus.Gauge{
			BeamX:        gauge(BeamX, "Last measured horizontal beam position."),
			BeamY:        gauge(BeamY, "Last measured vertical beam position."),
			TriggerCount: gauge(TriggerCount, "Timing system trigger counter."),
		},
		histos: map[string]prometheus.Observer{
			DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    DeliveryLatency,
				Help:    "Time from a scratch image appearing to its delivery.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
		},
	}
	cs := []prometheus.Collector{}
	for _, c := range p.counters {
		cs = append(cs, c)
	}
	for _, g := range p.gauges {
		cs = append(cs, g)
	}
	for _, h := range p.histos {
		cs = append(cs, h.(prometheus.Collector))
	}
	prometheus.MustRegister(cs...)
	return p
}

// IncCounter adds v to a counter
func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

// SetGauge sets a gauge
func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

// ObserveLatency records a duration
func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

// Handler serves the default gatherer in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
