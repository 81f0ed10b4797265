/*Package rayonix controls a Rayonix CCD detector through the line-oriented
text protocol of its vendor control server, and drives triggered image
series with on-the-fly renaming of the images into place.

The Client speaks the protocol.  The Controller owns a scratch directory
into which the detector writes a series, and delivers each image to the
filename requested for it.  The Simulator implements the server side of the
protocol for tests and for running without hardware.
*/
package rayonix

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/beamline-go/beamline/comm"
)

const (
	// DefaultEndpoint is where the vendor control server listens
	DefaultEndpoint = "tcp://localhost:2222"

	// NominalSensorSize is the width and height of the sensor in native
	// pixels
	NominalSensorSize = 7680

	// NominalPixelSize is the native pixel pitch, mm
	NominalPixelSize = 0.044

	// DefaultPollInterval is the state polling period while waiting
	DefaultPollInterval = 50 * time.Millisecond
)

// ValidBinFactors are the bin factors the detector accepts
var ValidBinFactors = []int{1, 2, 3, 4, 5, 6, 8, 10}

var (
	// ErrInvalidBin is generated when a bin factor is not in ValidBinFactors
	ErrInvalidBin = errors.New("invalid bin factor")

	// ErrSeriesActive is generated when the bin factor is changed during a series
	ErrSeriesActive = errors.New("a series is in progress; abort it first")

	// ErrDecode is generated when a reply does not have the expected format
	ErrDecode = errors.New("reply not understood")

	// ErrTimeout is generated when the detector does not reach a state in time
	ErrTimeout = errors.New("timed out waiting for detector")
)

// ReadoutMode is a CCD readout mode
type ReadoutMode int

const (
	// Normal readout
	Normal ReadoutMode = iota

	// HighGain readout
	HighGain

	// LowNoise readout
	LowNoise

	// HDR is high dynamic range readout
	HDR

	// Turbo readout
	Turbo
)

func (m ReadoutMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case HighGain:
		return "high gain"
	case LowNoise:
		return "low noise"
	case HDR:
		return "HDR"
	case Turbo:
		return "turbo"
	default:
		return fmt.Sprintf("mode %d", int(m))
	}
}

// FrameTrigger is the frame trigger type of start_series
type FrameTrigger int

const (
	// TriggerNone acquires frames back to back
	TriggerNone FrameTrigger = iota

	// TriggerEdge starts each frame on a rising edge
	TriggerEdge

	// TriggerBulb integrates while the trigger is high
	TriggerBulb
)

// Trigger signal types
const (
	SignalSoftware = "Software"
	SignalOpto     = "Opto"
)

// ValidBin is true if n is a valid bin factor
func ValidBin(n int) bool {
	for _, b := range ValidBinFactors {
		if b == n {
			return true
		}
	}
	return false
}

// Client talks to the detector control server.  It holds no connection of
// its own; every command goes through Pool.
type Client struct {
	Pool     *comm.Pool
	Endpoint string

	// AutoBkg makes StartIntegration acquire a background first if the
	// current one does not match the bin factor
	AutoBkg bool

	// PollInterval is the state polling period of the Wait functions
	PollInterval time.Duration
}

// NewClient returns a client for the server at endpoint
func NewClient(pool *comm.Pool, endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{Pool: pool, Endpoint: endpoint, AutoBkg: true, PollInterval: DefaultPollInterval}
}

func (c *Client) send(cmd string) error {
	return c.Pool.SendErr(c.Endpoint, cmd)
}

func (c *Client) query(cmd string) (string, error) {
	resp, err := c.Pool.QueryErr(c.Endpoint, cmd, '\n', 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

// decodeInts parses a comma separated list of n integers
func decodeInts(cmd, resp string, n int) ([]int, error) {
	parts := strings.Split(resp, ",")
	if len(parts) < n {
		log.Printf("rayonix: %s: cannot decode %q", cmd, resp)
		return make([]int, n), fmt.Errorf("%w: %s: %q", ErrDecode, cmd, resp)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 0, 64)
		if err != nil {
			log.Printf("rayonix: %s: cannot decode %q", cmd, resp)
			return make([]int, n), fmt.Errorf("%w: %s: %q", ErrDecode, cmd, resp)
		}
		out[i] = int(v)
	}
	return out, nil
}

func (c *Client) queryInts(cmd string, n int) ([]int, error) {
	resp, err := c.query(cmd)
	if err != nil {
		return make([]int, n), err
	}
	return decodeInts(cmd, resp, n)
}

// State reads the detector status word
func (c *Client) State() (State, error) {
	v, err := c.queryInts("get_state", 1)
	return State(v[0]), err
}

// Start begins integrating
func (c *Client) Start() error {
	return c.send("start")
}

func withPath(cmd, path string) string {
	if path == "" {
		return cmd
	}
	return cmd + "," + ToDetectorPath(path)
}

// Readout ends integration, reads a corrected image, and writes it to path
// if path is not empty
func (c *Client) Readout(path string) error {
	return c.send(withPath("readout,0", path))
}

// ReadoutBkg reads a background image
func (c *Client) ReadoutBkg() error {
	return c.send("readout,1")
}

// ReadoutRaw reads an uncorrected image and writes it to path if path is
// not empty
func (c *Client) ReadoutRaw(path string) error {
	return c.send(withPath("readout,3", path))
}

// WriteFile writes the last image read to path, corrected or raw
func (c *Client) WriteFile(path string, corrected bool) error {
	flag := 0
	if corrected {
		flag = 1
	}
	return c.send(fmt.Sprintf("writefile,%s,%d", ToDetectorPath(path), flag))
}

// SetBin sets the bin factor in both directions.  It is rejected while a
// series is in progress.  A new bin factor invalidates the background.
func (c *Client) SetBin(n int) error {
	if !ValidBin(n) {
		return fmt.Errorf("%w: %d, must be one of %v", ErrInvalidBin, n, ValidBinFactors)
	}
	st, err := c.State()
	if err != nil {
		return err
	}
	if st.SeriesActive() {
		return ErrSeriesActive
	}
	return c.send(fmt.Sprintf("set_bin,%d,%d", n, n))
}

// Bin reads the bin factor
func (c *Client) Bin() (int, error) {
	v, err := c.queryInts("get_bin", 2)
	return v[0], err
}

// SetReadoutMode sets the readout mode
func (c *Client) SetReadoutMode(m ReadoutMode) error {
	if m < Normal || m > Turbo {
		return fmt.Errorf("%w: readout mode %d", ErrDecode, int(m))
	}
	return c.send(fmt.Sprintf("set_readout_mode,%d", int(m)))
}

// ReadoutMode reads the readout mode
func (c *Client) ReadoutMode() (ReadoutMode, error) {
	v, err := c.queryInts("get_readout_mode", 1)
	return ReadoutMode(v[0]), err
}

// Size reads the image dimensions in pixels
func (c *Client) Size() (w, h int, err error) {
	v, err := c.queryInts("get_size", 2)
	return v[0], v[1], err
}

// SizeBkg reads the dimensions of the stored background image
func (c *Client) SizeBkg() (w, h int, err error) {
	v, err := c.queryInts("get_size_bkg", 2)
	return v[0], v[1], err
}

// BkgValid is true if a background image matching the current bin factor
// is stored.  Failed queries yield false.
func (c *Client) BkgValid() bool {
	w, h, err := c.Size()
	if err != nil {
		return false
	}
	bw, bh, err := c.SizeBkg()
	if err != nil {
		return false
	}
	return w > 0 && w == bw && h == bh
}

// UpdateBkg reads a new background and waits for the detector to finish
func (c *Client) UpdateBkg(ctx context.Context) error {
	if err := c.ReadoutBkg(); err != nil {
		return err
	}
	return c.WaitIdle(ctx, 20*time.Second)
}

// StartIntegration begins integrating, first acquiring a background if
// AutoBkg is set and the current one is stale
func (c *Client) StartIntegration(ctx context.Context) error {
	if c.AutoBkg && !c.BkgValid() {
		if err := c.UpdateBkg(ctx); err != nil {
			return err
		}
	}
	return c.Start()
}

// StartSeries begins a triggered series of n frames numbered from first,
// written to base + zero padded number + suffix
func (c *Client) StartSeries(n, first int, trig FrameTrigger, base, suffix string, width int) error {
	return c.send(fmt.Sprintf("start_series,%d,%d,0,0,%d,0,%s,%s,%d",
		n, first, int(trig), ToDetectorPath(base), suffix, width))
}

// Trigger fires a software trigger pulse of duration d
func (c *Client) Trigger(d time.Duration) error {
	return c.send("trigger," + strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
}

// SetTriggerSignalType selects the trigger input, SignalSoftware or
// SignalOpto
func (c *Client) SetTriggerSignalType(name string) error {
	return c.send("set_trigger_signal_type," + name)
}

// Abort cancels the current acquisition or series
func (c *Client) Abort() error {
	return c.send("abort")
}

// Online is true if the control server accepts connections
func (c *Client) Online() bool {
	return c.Pool.Connected(c.Endpoint)
}

// WaitFor polls the state until cond is true, ctx is done, or timeout
// elapses
func (c *Client) WaitFor(ctx context.Context, timeout time.Duration, cond func(State) bool) error {
	period := c.PollInterval
	if period <= 0 {
		period = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		st, err := c.State()
		if err == nil && cond(st) {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return fmt.Errorf("%w: state is %s", ErrTimeout, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitIdle waits for the detector to become idle
func (c *Client) WaitIdle(ctx context.Context, timeout time.Duration) error {
	return c.WaitFor(ctx, timeout, State.Idle)
}
