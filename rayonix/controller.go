package rayonix

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/beamline-go/beamline/adxv"
	"github.com/beamline-go/beamline/metrics"
	"github.com/beamline-go/beamline/settings"
	"github.com/beamline-go/beamline/timing"
	"github.com/beamline-go/beamline/util"
)

const (
	// ScratchDirName is the directory, below the common parent of a
	// request's targets, that the detector writes a series into
	ScratchDirName = ".rayonix_temp"

	// ScratchSuffix is the extension of scratch files
	ScratchSuffix = ".rx"

	// ScratchDigits is the zero padded width of scratch file numbers
	ScratchDigits = 6

	// DefaultScanInterval is the scratch directory polling period
	DefaultScanInterval = 50 * time.Millisecond

	// SettingsPrefix is where the controller options live in a settings store
	SettingsPrefix = "rayonix_detector"

	maxHistory = 1000
)

var (
	// ErrBusy is generated when a software acquisition is requested during
	// a series
	ErrBusy = errors.New("detector is acquiring a series")

	// ErrBadTarget is generated for a target with a negative image number
	// or no filename
	ErrBadTarget = errors.New("target needs an image number >= 0 and a filename")
)

// Target asks for image ImageNumber of a series, counted from zero, to be
// saved as Filename
type Target struct {
	ImageNumber int    `json:"imageNumber"`
	Filename    string `json:"filename"`
}

// Request is the set of images wanted from one series
type Request []Target

// Options are the user settings of the controller
type Options struct {
	// BulbMode integrates while the trigger is high instead of between
	// rising edges
	BulbMode bool `koanf:"bulb_mode" json:"bulbMode"`

	// IgnoreFirstTrigger suppresses the software pre-fire in edge mode
	IgnoreFirstTrigger bool `koanf:"ignore_first_trigger" json:"ignoreFirstTrigger"`

	// LimitFilesEnabled bounds the number of unclaimed scratch images
	LimitFilesEnabled bool `koanf:"limit_files_enabled" json:"limitFilesEnabled"`

	// NImagesToKeep is the bound when LimitFilesEnabled is set
	NImagesToKeep int `koanf:"nimages_to_keep" json:"nImagesToKeep"`

	// ADXVLiveImage sends every new image to the ADXV viewer
	ADXVLiveImage bool `koanf:"adxv_live_image" json:"adxvLiveImage"`

	// LiveImage publishes every new image to subscribers
	LiveImage bool `koanf:"live_image" json:"liveImage"`

	// AutoStart queues requests submitted during a series and starts them
	// when it completes
	AutoStart bool `koanf:"auto_start" json:"autoStart"`

	// ReorderByFiducial sorts the images of a completed series by their
	// timing system fiducial
	ReorderByFiducial bool `koanf:"reorder_by_fiducial" json:"reorderByFiducial"`

	// IdleTimeout bounds waiting for the detector to become idle
	IdleTimeout time.Duration `koanf:"idle_timeout" json:"idleTimeout"`

	// SeriesTimeout bounds waiting for a series to start
	SeriesTimeout time.Duration `koanf:"series_timeout" json:"seriesTimeout"`

	// ExposureTime is the integration time of a software acquisition
	ExposureTime time.Duration `koanf:"exposure_time" json:"exposureTime"`
}

// DefaultOptions returns the options of a new controller
func DefaultOptions() Options {
	return Options{
		LimitFilesEnabled: true,
		NImagesToKeep:     10,
		LiveImage:         true,
		ReorderByFiducial: true,
		IdleTimeout:       10 * time.Second,
		SeriesTimeout:     5 * time.Second,
	}
}

// delivery is one image moved into place
type delivery struct {
	number int
	path   string
}

// Controller drives triggered series and software acquisitions, moving
// each image the detector writes to the filename requested for it.
//
// A series is written into a scratch directory prepared with symbolic
// links named after the frame numbers and pointing at the targets.  A
// watcher goroutine notices each finished file, removes its link (or moves
// the file if the detector replaced the link), and announces it.
type Controller struct {
	Client *Client

	// ADXV, if not nil, is sent every new image when ADXVLiveImage is set
	ADXV *adxv.Viewer

	// Counter, if not nil, is the timing system's trigger counter, used to
	// diagnose lost triggers
	Counter timing.Counter

	// Metrics receives counts of delivered and pruned images
	Metrics metrics.Observer

	// Store, if not nil, persists the options
	Store *settings.Store

	// ScanInterval is the scratch polling period
	ScanInterval time.Duration

	// startMu serializes acquisitions
	startMu sync.Mutex

	mu        sync.Mutex
	opts      Options
	acquiring bool
	pending   map[int]string
	lastImage int
	basename  string
	history   []string
	queue     []Request
	triggers  int
	watch     *watch

	live liveFeed
}

// NewController returns a controller with DefaultOptions
func NewController(c *Client) *Controller {
	return &Controller{
		Client:       c,
		Metrics:      metrics.Nop{},
		ScanInterval: DefaultScanInterval,
		opts:         DefaultOptions(),
		pending:      map[int]string{},
		lastImage:    -1,
	}
}

// LoadOptions reads the options from Store, keeping the current values for
// anything not stored
func (c *Controller) LoadOptions() error {
	if c.Store == nil {
		return nil
	}
	c.mu.Lock()
	o := c.opts
	c.mu.Unlock()
	if err := c.Store.Unmarshal(SettingsPrefix, &o); err != nil {
		return err
	}
	c.mu.Lock()
	c.opts = o
	c.mu.Unlock()
	return nil
}

// Options returns the current options
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// SetOptions replaces the options and persists them if there is a Store
func (c *Controller) SetOptions(o Options) error {
	c.mu.Lock()
	c.opts = o
	c.mu.Unlock()
	if c.Store != nil {
		return c.Store.SetStruct(SettingsPrefix, o)
	}
	return nil
}

func (c *Controller) metrics() metrics.Observer {
	return metrics.Or(c.Metrics)
}

// ScratchDir returns the scratch directory used for req
func ScratchDir(req Request) string {
	paths := make([]string, len(req))
	for i, t := range req {
		p, err := filepath.Abs(t.Filename)
		if err != nil {
			p = t.Filename
		}
		paths[i] = p
	}
	return filepath.Join(util.CommonDir(paths), ScratchDirName)
}

// ScratchName is the scratch filename of image n of a series
func ScratchName(n int) string {
	return fmt.Sprintf("%0*d%s", ScratchDigits, n+1, ScratchSuffix)
}

// prepareScratch creates dir if needed and empties it
func prepareScratch(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			log.Printf("rayonix: clearing scratch: %v", err)
		}
	}
	return nil
}

// link points the scratch file of image n at target, which is removed if
// it exists
func link(dir string, n int, target string) error {
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return err
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		rel = target
	}
	return os.Symlink(rel, filepath.Join(dir, ScratchName(n)))
}

// Submit starts req, or queues it if a series is running and AutoStart is
// set
func (c *Controller) Submit(ctx context.Context, req Request) error {
	c.mu.Lock()
	if c.acquiring && c.opts.AutoStart && len(req) > 0 {
		c.queue = append(c.queue, req)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.AcquireImages(ctx, req)
}

// AcquireImages starts a triggered series delivering the images of req.
// An empty request does nothing.  A running series is aborted first.  The
// function returns once the detector reports the series in progress; the
// images are delivered in the background as triggers arrive.
func (c *Controller) AcquireImages(ctx context.Context, req Request) error {
	if len(req) == 0 {
		return nil
	}
	for _, t := range req {
		if t.ImageNumber < 0 || t.Filename == "" {
			return fmt.Errorf("%w: %+v", ErrBadTarget, t)
		}
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.Acquiring() {
		c.Abort()
	}
	opts := c.Options()

	st, err := c.Client.State()
	if err != nil {
		return err
	}
	if !st.Idle() {
		if err := c.Client.Abort(); err != nil {
			return err
		}
		if err := c.Client.WaitIdle(ctx, opts.IdleTimeout); err != nil {
			return err
		}
	}
	if !c.Client.BkgValid() {
		if err := c.Client.UpdateBkg(ctx); err != nil {
			return err
		}
	}

	dir := ScratchDir(req)
	if err := prepareScratch(dir); err != nil {
		return err
	}
	pending := make(map[int]string, len(req))
	nframes := 0
	for _, t := range req {
		target, err := filepath.Abs(t.Filename)
		if err != nil {
			target = t.Filename
		}
		if err := link(dir, t.ImageNumber, target); err != nil {
			log.Printf("rayonix: cannot prepare image %d (%s): %v", t.ImageNumber, target, err)
			continue
		}
		pending[t.ImageNumber] = target
		if t.ImageNumber+1 > nframes {
			nframes = t.ImageNumber + 1
		}
	}
	if len(pending) == 0 {
		return fmt.Errorf("rayonix: none of the %d targets could be prepared", len(req))
	}

	w := newWatch(dir)
	if c.Counter != nil {
		if n, err := c.Counter.Count(); err == nil {
			w.triggerStart = n
		} else {
			log.Printf("rayonix: reading trigger counter: %v", err)
		}
	}
	c.mu.Lock()
	c.pending = pending
	c.acquiring = true
	c.triggers = 0
	c.watch = w
	c.mu.Unlock()
	go c.run(w)
	go c.monitorTriggers(w)

	trig := TriggerEdge
	if opts.BulbMode {
		trig = TriggerBulb
	}
	if err := c.Client.StartSeries(nframes, 1, trig, dir+"/", ScratchSuffix, ScratchDigits); err != nil {
		c.Abort()
		return err
	}
	if !opts.BulbMode && !opts.IgnoreFirstTrigger {
		c.prefire()
	}
	timeout := opts.SeriesTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().SeriesTimeout
	}
	if err := c.Client.WaitFor(ctx, timeout, State.SeriesActive); err != nil {
		log.Printf("rayonix: series of %d images did not start: %v", nframes, err)
	}
	return nil
}

// prefire issues the first edge by software, so the first hardware trigger
// ends the first frame
func (c *Controller) prefire() {
	cl := c.Client
	if err := cl.SetTriggerSignalType(SignalSoftware); err != nil {
		log.Printf("rayonix: pre-fire: %v", err)
		return
	}
	if err := cl.Trigger(time.Millisecond); err != nil {
		log.Printf("rayonix: pre-fire: %v", err)
	}
	if err := cl.SetTriggerSignalType(SignalOpto); err != nil {
		log.Printf("rayonix: pre-fire: %v", err)
	}
}

// Abort ends the series.  Images already delivered stay in place; those
// still pending are dropped.
func (c *Controller) Abort() error {
	c.mu.Lock()
	w := c.watch
	c.watch = nil
	c.acquiring = false
	c.pending = map[int]string{}
	c.queue = nil
	c.mu.Unlock()
	if w != nil {
		w.halt()
	}
	return c.Client.Abort()
}

// Acquire takes one image with a software sequence: integrate for
// ExposureTime, then read out to filename.  It fails with ErrBusy during a
// series.
func (c *Controller) Acquire(ctx context.Context, filename string) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.Acquiring() {
		return ErrBusy
	}
	opts := c.Options()
	path, err := filepath.Abs(filename)
	if err != nil {
		path = filename
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	begin := time.Now()
	if err := c.Client.StartIntegration(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		c.Client.Abort()
		return ctx.Err()
	case <-time.After(opts.ExposureTime):
	}
	if err := c.Client.Readout(path); err != nil {
		return err
	}
	if err := c.Client.WaitIdle(ctx, opts.IdleTimeout); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("rayonix: image was not written: %w", err)
	}
	c.mu.Lock()
	c.basename = filepath.Base(path)
	c.remember(path)
	c.mu.Unlock()
	c.metrics().IncCounter(metrics.ImagesDelivered, 1)
	c.metrics().ObserveLatency(metrics.DeliveryLatency, time.Since(begin).Seconds())
	c.show(path, opts)
	return nil
}

// remember appends path to the history.  c.mu must be held.
func (c *Controller) remember(path string) {
	c.history = append(c.history, path)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
}

// deliver records image n as in place at path
func (c *Controller) deliver(w *watch, n int, path string, seen time.Time) {
	c.mu.Lock()
	delete(c.pending, n)
	if n > c.lastImage {
		c.lastImage = n
	}
	c.basename = filepath.Base(path)
	c.remember(path)
	opts := c.opts
	c.mu.Unlock()
	w.series = append(w.series, delivery{number: n, path: path})
	c.metrics().IncCounter(metrics.ImagesDelivered, 1)
	c.metrics().ObserveLatency(metrics.DeliveryLatency, time.Since(seen).Seconds())
	c.show(path, opts)
}

// show hands a new image to the viewer and subscribers
func (c *Controller) show(path string, opts Options) {
	if opts.ADXVLiveImage && c.ADXV != nil {
		c.ADXV.LoadImage(path)
	}
	if opts.LiveImage {
		c.live.publish(path)
	}
}

// Subscribe returns a channel receiving the path of every new image while
// LiveImage is set, and a function ending the subscription.  Slow
// subscribers miss images.
func (c *Controller) Subscribe() (<-chan string, func()) {
	return c.live.subscribe()
}

// Acquiring is true while a series is in progress
func (c *Controller) Acquiring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiring
}

// LastImageNumber is the highest image number delivered, or -1
func (c *Controller) LastImageNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastImage
}

// CurrentImageBasename is the filename, without directory, of the last
// image delivered
func (c *Controller) CurrentImageBasename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.basename
}

// NImages is the number of images of the series not yet delivered
func (c *Controller) NImages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// TriggerCount is the number of triggers counted since the last series
// started
func (c *Controller) TriggerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggers
}

// Delivered returns the paths of recently delivered images, oldest first
func (c *Controller) Delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

// Online is true if the detector control server accepts connections
func (c *Controller) Online() bool {
	return c.Client.Online()
}

// Status is a snapshot of the controller
type Status struct {
	Online               bool   `json:"online"`
	State                string `json:"state"`
	Acquiring            bool   `json:"acquiring"`
	NImages              int    `json:"nImages"`
	LastImageNumber      int    `json:"lastImageNumber"`
	CurrentImageBasename string `json:"currentImageBasename"`
	TriggerCount         int    `json:"triggerCount"`
	Queued               int    `json:"queued"`
}

// Status reads the detector state and returns a snapshot
func (c *Controller) Status() Status {
	s := Status{Online: c.Online()}
	if s.Online {
		if st, err := c.Client.State(); err == nil {
			s.State = st.String()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Acquiring = c.acquiring
	s.NImages = len(c.pending)
	s.LastImageNumber = c.lastImage
	s.CurrentImageBasename = c.basename
	s.TriggerCount = c.triggers
	s.Queued = len(c.queue)
	return s
}

// StatusString summarizes Status in one line
func (c *Controller) StatusString() string {
	s := c.Status()
	if !s.Online {
		return "detector offline"
	}
	parts := []string{s.State}
	if s.Acquiring {
		parts = append(parts, fmt.Sprintf("%d images to go", s.NImages))
	}
	if s.LastImageNumber >= 0 {
		parts = append(parts, fmt.Sprintf("last image %d (%s)", s.LastImageNumber, s.CurrentImageBasename))
	}
	if s.Queued > 0 {
		parts = append(parts, fmt.Sprintf("%d queued", s.Queued))
	}
	return strings.Join(parts, "; ")
}

// monitorTriggers follows the trigger counter for the duration of a series
func (c *Controller) monitorTriggers(w *watch) {
	if c.Counter == nil {
		return
	}
	ch, cancel := c.Counter.Subscribe()
	defer cancel()
	for {
		select {
		case <-w.done:
			return
		case n := <-ch:
			c.mu.Lock()
			c.triggers = n - w.triggerStart
			c.mu.Unlock()
			c.metrics().SetGauge(metrics.TriggerCount, float64(n))
		}
	}
}

// reportTriggers compares the triggers counted with the frames written
func (c *Controller) reportTriggers(w *watch) {
	if c.Counter == nil {
		return
	}
	n, err := c.Counter.Count()
	if err != nil {
		log.Printf("rayonix: reading trigger counter: %v", err)
		return
	}
	counted := n - w.triggerStart
	frames := len(w.series) + len(w.unmatched)
	c.mu.Lock()
	c.triggers = counted
	c.mu.Unlock()
	if counted != frames {
		log.Printf("rayonix: %d triggers counted but %d frames written; %d lost",
			counted, frames, counted-frames)
	}
}

// finish wraps up a series whose images have all been delivered
func (c *Controller) finish(w *watch) {
	c.mu.Lock()
	opts := c.opts
	c.mu.Unlock()
	if opts.ReorderByFiducial {
		// the frames were shown under their acquisition order names; show
		// each file again now that it holds its fiducial-ordered frame
		for _, path := range reorder(w.series) {
			c.show(path, opts)
		}
	}
	c.reportTriggers(w)

	c.mu.Lock()
	if c.watch == w {
		c.watch = nil
		c.acquiring = false
	}
	var next Request
	if opts.AutoStart && len(c.queue) > 0 {
		next = c.queue[0]
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()
	if next != nil {
		go func() {
			if err := c.AcquireImages(context.Background(), next); err != nil {
				log.Printf("rayonix: starting queued series: %v", err)
			}
		}()
	}
}

// liveFeed fans image paths out to subscribers without blocking
type liveFeed struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func (f *liveFeed) subscribe() (<-chan string, func()) {
	ch := make(chan string, 16)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan string]struct{})
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
		})
	}
}

func (f *liveFeed) publish(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- path:
		default:
		}
	}
}
