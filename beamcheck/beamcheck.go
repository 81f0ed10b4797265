/*Package beamcheck calibrates the beam steering actuators.

For each axis in turn the upstream aperture is closed down to a narrow scan
size, the steering actuator is stepped across a symmetric grid around its
current value, and an image is taken and analyzed at every step.  A straight
line fit of beam position against control value gives the gain of the axis,
from which the control value that would put the beam on its nominal position
follows:

	corrected = control - (average - nominal) / gain
*/
package beamcheck

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/beamline-go/beamline/beamprofile"
	"github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/imgrec"
	"github.com/beamline-go/beamline/mathx"
	"github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/settings"
)

// SettingsPrefix is where the configuration and results live in a
// settings store
const SettingsPrefix = "beam_check"

var (
	// ErrNoResult is generated when a correction is applied before a scan
	// of that axis has produced one
	ErrNoResult = errors.New("no beam check result for this axis")

	// ErrNoResponse is generated when the beam did not move with the control
	ErrNoResponse = errors.New("beam position does not respond to the control")
)

// Acquirer takes one image and writes it to filename
type Acquirer interface {
	Acquire(ctx context.Context, filename string) error
}

// Axis configures the scan of one axis
type Axis struct {
	// Control is the name of the steering actuator
	Control string `koanf:"control" json:"control"`

	// Aperture is the name of the aperture motor, or empty for none
	Aperture string `koanf:"aperture" json:"aperture"`

	// ScanAperture is the aperture size during the scan
	ScanAperture float64 `koanf:"scan_aperture" json:"scanAperture"`

	// Resolution is the control step
	Resolution float64 `koanf:"resolution" json:"resolution"`

	// Steps is the number of steps on each side of the current value
	Steps int `koanf:"dx_scan" json:"steps"`

	// Nominal is the wanted beam position, mm
	Nominal float64 `koanf:"nominal" json:"nominal"`
}

// Config is the configuration of both scans
type Config struct {
	X   Axis            `koanf:"x" json:"x"`
	Y   Axis            `koanf:"y" json:"y"`
	ROI beamprofile.ROI `koanf:"roi" json:"roi"`

	// Settle is waited after every move, once the actuator reports still
	Settle time.Duration `koanf:"settle" json:"settle"`
}

// Point is one step of a scan
type Point struct {
	Control  float64
	Position float64
	Filename string
}

// Result is the outcome of the scan of one axis
type Result struct {
	Axis   string
	Points []Point

	// Control is the control value the scan was centered on
	Control float64

	// Gain is the fitted slope, mm of beam motion per control unit
	Gain float64

	// Average is the mean beam position over the scan
	Average float64

	Nominal float64

	// Corrected is the control value that centers the beam on Nominal
	Corrected float64

	Time time.Time
}

// summary is the persisted part of a Result
type summary struct {
	Control   float64 `koanf:"control"`
	Gain      float64 `koanf:"gain"`
	Average   float64 `koanf:"average"`
	Corrected float64 `koanf:"corrected"`
	Time      string  `koanf:"time"`
}

// Controller runs beam check scans.  It is safe for concurrent use; at most
// one scan runs at a time.
type Controller struct {
	Registry *motion.Registry
	Acquirer Acquirer

	// Recorder names the scan images
	Recorder *imgrec.Recorder

	// Store, if not nil, persists the configuration and results
	Store *settings.Store

	// Load reads an image back; camera.LoadFITS if nil
	Load func(path string) (*camera.Image, error)

	// PollInterval is the period of waiting for actuators to stop
	PollInterval time.Duration

	startMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	results map[string]Result
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewController returns a controller with an empty configuration
func NewController(reg *motion.Registry, acq Acquirer, rec *imgrec.Recorder) *Controller {
	return &Controller{
		Registry:     reg,
		Acquirer:     acq,
		Recorder:     rec,
		PollInterval: 100 * time.Millisecond,
		results:      map[string]Result{},
	}
}

// Config returns the configuration
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the configuration and persists it if there is a Store
func (c *Controller) SetConfig(cfg Config) error {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	if c.Store != nil {
		return c.Store.SetStruct(SettingsPrefix+".config", cfg)
	}
	return nil
}

// LoadConfig reads the configuration from Store
func (c *Controller) LoadConfig() error {
	if c.Store == nil {
		return nil
	}
	cfg := c.Config()
	if err := c.Store.Unmarshal(SettingsPrefix+".config", &cfg); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// Result returns the last result for axis "x" or "y"
func (c *Controller) Result(axis string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[axis]
	return r, ok
}

// Running is true while a scan is in progress
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Err returns the error that ended the last scan, if any
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start begins scanning both axes in the background.  A scan in progress
// is stopped and superseded.
func (c *Controller) Start() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.mu.Lock()
	prev := c.done
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	if prev != nil {
		<-prev
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done, c.running, c.lastErr = cancel, done, true, nil
	c.mu.Unlock()
	go func() {
		defer close(done)
		err := c.Scan(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("beamcheck: %v", err)
		}
		c.mu.Lock()
		if c.done == done {
			c.running = false
			c.lastErr = err
		}
		c.mu.Unlock()
		cancel()
	}()
}

// Stop ends the scan after the current step.  The actuators are put back
// where they were.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until the scan in progress, if any, has ended
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Scan scans X, then Y, in the calling goroutine
func (c *Controller) Scan(ctx context.Context) error {
	cfg := c.Config()
	for _, ax := range []struct {
		name string
		axis Axis
	}{{"x", cfg.X}, {"y", cfg.Y}} {
		if ax.axis.Control == "" {
			continue
		}
		r, err := c.scanAxis(ctx, ax.name, ax.axis, cfg)
		if err != nil {
			return fmt.Errorf("%s scan: %w", ax.name, err)
		}
		c.mu.Lock()
		c.results[ax.name] = r
		c.mu.Unlock()
		c.persist(r)
	}
	return nil
}

func (c *Controller) persist(r Result) {
	if c.Store == nil {
		return
	}
	s := summary{
		Control:   r.Control,
		Gain:      r.Gain,
		Average:   r.Average,
		Corrected: r.Corrected,
		Time:      r.Time.Format(time.RFC3339),
	}
	if err := c.Store.SetStruct(SettingsPrefix+".result."+r.Axis, s); err != nil {
		log.Printf("beamcheck: %v", err)
	}
}

func (c *Controller) load(path string) (*camera.Image, error) {
	if c.Load != nil {
		return c.Load(path)
	}
	return camera.LoadFITS(path)
}

// move writes v to a and waits for it to settle
func (c *Controller) move(ctx context.Context, a motion.Actuator, v float64, settle time.Duration) error {
	if err := a.Set(motion.Float(v)); err != nil {
		return err
	}
	period := c.PollInterval
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	if err := motion.WaitStill(ctx, a, period); err != nil {
		return err
	}
	if settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settle):
		}
	}
	return nil
}

func (c *Controller) scanAxis(ctx context.Context, name string, ax Axis, cfg Config) (Result, error) {
	res := Result{Axis: name, Nominal: ax.Nominal, Gain: math.NaN(), Average: math.NaN(), Corrected: math.NaN()}
	ctl, err := c.Registry.Lookup(ax.Control)
	if err != nil {
		return res, err
	}
	v, err := ctl.Get()
	if err != nil {
		return res, err
	}
	c0 := v.Float64()
	res.Control = c0
	// put everything back whatever happens
	restore := context.Background()
	defer func() {
		if err := c.move(restore, ctl, c0, 0); err != nil {
			log.Printf("beamcheck: restoring %s: %v", ax.Control, err)
		}
	}()
	if ax.Aperture != "" {
		ap, err := c.Registry.Lookup(ax.Aperture)
		if err != nil {
			return res, err
		}
		a0, err := ap.Get()
		if err != nil {
			return res, err
		}
		defer func() {
			if err := ap.Set(a0); err != nil {
				log.Printf("beamcheck: restoring %s: %v", ax.Aperture, err)
			}
		}()
		if err := c.move(ctx, ap, ax.ScanAperture, cfg.Settle); err != nil {
			return res, err
		}
	}

	for i := -ax.Steps; i <= ax.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		target := c0 + float64(i)*ax.Resolution
		if err := c.move(ctx, ctl, target, cfg.Settle); err != nil {
			return res, err
		}
		fn, err := c.Recorder.Next()
		if err != nil {
			return res, err
		}
		if err := c.Acquirer.Acquire(ctx, fn); err != nil {
			return res, err
		}
		img, err := c.load(fn)
		if err != nil {
			return res, err
		}
		pr := beamprofile.Analyze(img, cfg.ROI)
		pos := pr.XCenter
		if name == "y" {
			pos = pr.YCenter
		}
		res.Points = append(res.Points, Point{Control: target, Position: pos, Filename: fn})
	}

	xs := make([]float64, len(res.Points))
	ys := make([]float64, len(res.Points))
	for i, p := range res.Points {
		xs[i], ys[i] = p.Control, p.Position
	}
	res.Time = time.Now()
	res.Average = mathx.NanMean(ys)
	gain, _, err := mathx.LinearFit(xs, ys)
	if err != nil {
		return res, err
	}
	if gain == 0 {
		return res, ErrNoResponse
	}
	res.Gain = gain
	res.Corrected = c0 - (res.Average-ax.Nominal)/gain
	return res, nil
}

// ApplyXCorrection writes the corrected X control value once
func (c *Controller) ApplyXCorrection() error {
	return c.apply("x")
}

// ApplyYCorrection writes the corrected Y control value once
func (c *Controller) ApplyYCorrection() error {
	return c.apply("y")
}

func (c *Controller) apply(axis string) error {
	r, ok := c.Result(axis)
	if !ok || math.IsNaN(r.Corrected) {
		return fmt.Errorf("%w: %s", ErrNoResult, axis)
	}
	cfg := c.Config()
	name := cfg.X.Control
	if axis == "y" {
		name = cfg.Y.Control
	}
	a, err := c.Registry.Lookup(name)
	if err != nil {
		return err
	}
	log.Printf("beamcheck: setting %s to %g", name, r.Corrected)
	return a.Set(motion.Float(r.Corrected))
}
