/*Package stabilize keeps the X-ray beam centered on the detector.

The feedback loop reads the most recent records of the beam position log,
checks that the newest image is usable, and moves the two steering
actuators by a proportional correction:

	control' = mean(control) - (mean(position) - nominal) * gain

Gain converts mm of beam displacement into actuator units.  Each correction
is limited to MaxCorrectionSteps * resolution * |gain| away from the mean
control value.  Monitor produces the log records from the live images of
the detector.
*/
package stabilize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/beamline-go/beamline/beamlog"
	"github.com/beamline-go/beamline/beamprofile"
	"github.com/beamline-go/beamline/mathx"
	"github.com/beamline-go/beamline/metrics"
	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/settings"
	"github.com/beamline-go/beamline/util"
)

const (
	// SettingsPrefix is where the configuration lives in a settings store
	SettingsPrefix = "beam_stabilization"

	// DefaultPeriod is the interval between iterations of the loop
	DefaultPeriod = time.Second
)

// Reasons an iteration makes no correction.  They are not failures.
var (
	ErrTooFewSamples = errors.New("too few samples in the log")
	ErrOverload      = errors.New("latest image has overloaded pixels")
	ErrLowSNR        = errors.New("latest image signal to noise ratio below threshold")
	ErrFiltered      = errors.New("latest image does not match the analysis filter")
)

// IsSkip is true for errors which only mean the iteration was skipped
func IsSkip(err error) bool {
	return errors.Is(err, ErrTooFewSamples) || errors.Is(err, ErrOverload) ||
		errors.Is(err, ErrLowSNR) || errors.Is(err, ErrFiltered)
}

// Axis configures the feedback on one axis
type Axis struct {
	// Control is the name of the steering actuator
	Control string `koanf:"control" json:"control"`

	// Nominal is the wanted beam position, mm
	Nominal float64 `koanf:"nominal" json:"nominal"`

	// Gain is actuator units per mm of beam displacement
	Gain float64 `koanf:"gain" json:"gain"`

	// Resolution is the smallest beam displacement worth correcting, mm
	Resolution float64 `koanf:"resolution" json:"resolution"`

	// Enabled lets the loop write the actuator
	Enabled bool `koanf:"enabled" json:"enabled"`
}

// Config is the configuration of the feedback
type Config struct {
	X Axis `koanf:"x" json:"x"`
	Y Axis `koanf:"y" json:"y"`

	// AverageSamples is the number of log records averaged
	AverageSamples int `koanf:"average_samples" json:"averageSamples"`

	// HistoryFilter restricts the log records to filenames containing it
	HistoryFilter string `koanf:"history_filter" json:"historyFilter"`

	// AnalysisFilter must be contained in the latest filename for the
	// loop to act
	AnalysisFilter string `koanf:"analysis_filter" json:"analysisFilter"`

	MinSNR float64 `koanf:"min_snr" json:"minSNR"`

	// MaxCorrectionSteps bounds a single correction in units of
	// resolution; zero disables the bound
	MaxCorrectionSteps float64 `koanf:"max_correction_steps" json:"maxCorrectionSteps"`

	// ROI is the region analyzed by Monitor
	ROI beamprofile.ROI `koanf:"roi" json:"roi"`

	Period time.Duration `koanf:"period" json:"period"`
}

// DefaultConfig returns a configuration with both axes disabled
func DefaultConfig() Config {
	return Config{
		AverageSamples:     5,
		MinSNR:             10,
		MaxCorrectionSteps: 10,
		Period:             DefaultPeriod,
	}
}

// Correction is the outcome of one computation
type Correction struct {
	Time    time.Time
	Samples int

	// XPos, YPos are the mean beam positions, mm
	XPos, YPos float64

	// XControl, YControl are the mean control values
	XControl, YControl float64

	// XNew, YNew are the corrected control values
	XNew, YNew float64

	// XWritten, YWritten record which actuators were written
	XWritten, YWritten bool
}

// Feedback is the beam stabilization loop.  It is safe for concurrent use.
type Feedback struct {
	Log      *beamlog.Logger
	Registry *motion.Registry
	Metrics  metrics.Observer

	// Store, if not nil, persists the configuration
	Store *settings.Store

	mu       sync.Mutex
	cfg      Config
	last     Correction
	lastSkip string
	cancel   context.CancelFunc
	done     chan struct{}
	skipLog  *rate.Limiter
}

// NewFeedback returns a stopped loop with the default configuration
func NewFeedback(l *beamlog.Logger, reg *motion.Registry) *Feedback {
	return &Feedback{
		Log:      l,
		Registry: reg,
		cfg:      DefaultConfig(),
		skipLog:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

func (f *Feedback) metrics() metrics.Observer {
	return metrics.Or(f.Metrics)
}

// Config returns the configuration
func (f *Feedback) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// SetConfig replaces the configuration and persists it if there is a Store.
// A running loop picks it up on its next iteration.
func (f *Feedback) SetConfig(cfg Config) error {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	if f.Store != nil {
		return f.Store.SetStruct(SettingsPrefix, cfg)
	}
	return nil
}

// LoadConfig reads the configuration from Store
func (f *Feedback) LoadConfig() error {
	if f.Store == nil {
		return nil
	}
	cfg := f.Config()
	if err := f.Store.Unmarshal(SettingsPrefix, &cfg); err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	return nil
}

// SetEnabled switches the feedback of one axis, "x" or "y"
func (f *Feedback) SetEnabled(axis string, on bool) error {
	cfg := f.Config()
	switch axis {
	case "x":
		cfg.X.Enabled = on
	case "y":
		cfg.Y.Enabled = on
	default:
		return fmt.Errorf("stabilize: unknown axis %q", axis)
	}
	return f.SetConfig(cfg)
}

// Last returns the last correction and the reason of the last skip
func (f *Feedback) Last() (Correction, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.lastSkip
}

// bound limits the move of one axis
func bound(ax Axis, steps float64, avgCtl, newCtl float64) float64 {
	if steps <= 0 || ax.Resolution <= 0 {
		return newCtl
	}
	lim := steps * ax.Resolution * math.Abs(ax.Gain)
	return util.Clamp(newCtl, avgCtl-lim, avgCtl+lim)
}

// Compute works out the correction from the log without writing anything.
// Skips are reported with the Err* reasons above.
func (f *Feedback) Compute() (Correction, error) {
	cfg := f.Config()
	n := cfg.AverageSamples
	if n < 1 {
		n = 1
	}
	recs, err := f.Log.Records(n, cfg.HistoryFilter)
	if err != nil {
		return Correction{}, err
	}
	if len(recs) < n {
		return Correction{}, fmt.Errorf("%w: %d of %d", ErrTooFewSamples, len(recs), n)
	}
	latest := recs[len(recs)-1]
	if latest.Overload != 0 {
		return Correction{}, fmt.Errorf("%w: %d in %s", ErrOverload, latest.Overload, latest.Filename)
	}
	if !(latest.SNR >= cfg.MinSNR) {
		return Correction{}, fmt.Errorf("%w: %g < %g in %s", ErrLowSNR, latest.SNR, cfg.MinSNR, latest.Filename)
	}
	if !strings.Contains(latest.Filename, cfg.AnalysisFilter) {
		return Correction{}, fmt.Errorf("%w: %s", ErrFiltered, latest.Filename)
	}
	xs := make([]float64, len(recs))
	ys := make([]float64, len(recs))
	xc := make([]float64, len(recs))
	yc := make([]float64, len(recs))
	for i, r := range recs {
		xs[i], ys[i], xc[i], yc[i] = r.X, r.Y, r.XControl, r.YControl
	}
	c := Correction{
		Time:     time.Now(),
		Samples:  len(recs),
		XPos:     mathx.NanMean(xs),
		YPos:     mathx.NanMean(ys),
		XControl: mathx.NanMean(xc),
		YControl: mathx.NanMean(yc),
	}
	c.XNew = bound(cfg.X, cfg.MaxCorrectionSteps, c.XControl, c.XControl-(c.XPos-cfg.X.Nominal)*cfg.X.Gain)
	c.YNew = bound(cfg.Y, cfg.MaxCorrectionSteps, c.YControl, c.YControl-(c.YPos-cfg.Y.Nominal)*cfg.Y.Gain)
	return c, nil
}

// write sets the named actuator; failures are logged
func (f *Feedback) write(name string, v float64) bool {
	if name == "" || math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	a, err := f.Registry.Lookup(name)
	if err != nil {
		log.Printf("stabilize: %v", err)
		return false
	}
	if err := a.Set(motion.Float(v)); err != nil {
		log.Printf("stabilize: writing %s: %v", name, err)
		return false
	}
	f.metrics().IncCounter(metrics.Corrections, 1)
	return true
}

func (f *Feedback) skipped(err error) {
	f.metrics().IncCounter(metrics.FeedbackSkips, 1)
	f.mu.Lock()
	changed := f.lastSkip != err.Error()
	f.lastSkip = err.Error()
	f.mu.Unlock()
	if changed || f.skipLog.Allow() {
		log.Printf("stabilize: skipped: %v", err)
	}
}

// Step runs one iteration of the loop: compute, then write the axes which
// are enabled
func (f *Feedback) Step() (Correction, error) {
	f.metrics().IncCounter(metrics.FeedbackRuns, 1)
	c, err := f.Compute()
	if err != nil {
		if IsSkip(err) {
			f.skipped(err)
		}
		return c, err
	}
	cfg := f.Config()
	f.metrics().SetGauge(metrics.BeamX, c.XPos)
	f.metrics().SetGauge(metrics.BeamY, c.YPos)
	if cfg.X.Enabled {
		c.XWritten = f.write(cfg.X.Control, c.XNew)
	}
	if cfg.Y.Enabled {
		c.YWritten = f.write(cfg.Y.Control, c.YNew)
	}
	f.mu.Lock()
	f.last, f.lastSkip = c, ""
	f.mu.Unlock()
	return c, nil
}

// ApplyCorrection computes a correction and writes both configured axes
// once, whether or not they are enabled
func (f *Feedback) ApplyCorrection() (Correction, error) {
	c, err := f.Compute()
	if err != nil {
		return c, err
	}
	cfg := f.Config()
	c.XWritten = f.write(cfg.X.Control, c.XNew)
	c.YWritten = f.write(cfg.Y.Control, c.YNew)
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c, nil
}

// safeStep runs Step and recovers a panic
func (f *Feedback) safeStep() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("stabilize: panic in feedback loop: %v\n%s", r, debug.Stack())
		}
	}()
	if _, err := f.Step(); err != nil && !IsSkip(err) {
		log.Printf("stabilize: %v", err)
	}
}

// Start runs the loop in the background.  It does nothing if the loop is
// already running.
func (f *Feedback) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel, f.done = cancel, done
	go f.loop(ctx, done)
}

func (f *Feedback) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		period := f.Config().Period
		if period <= 0 {
			period = DefaultPeriod
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
		f.safeStep()
	}
}

// Stop ends the loop and waits for the iteration in progress
func (f *Feedback) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running is true while the loop runs
func (f *Feedback) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}
