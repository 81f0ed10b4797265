package rayonix

import (
	"bufio"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/timing"
)

// simSeries is a triggered series in progress
type simSeries struct {
	n, first, width int
	trig            FrameTrigger
	base, suffix    string
	armed           bool
	frames          int
}

// Simulator serves the detector control protocol on a TCP port and writes
// FITS images of a Gaussian beam spot.  Series frames are written through
// the scratch directory links exactly as the detector would.
//
// Hardware triggers are emulated by calling Trigger.  Configure the
// exported fields before Listen.  Simulators must be created with
// NewSimulator.
type Simulator struct {
	// SensorSize is the unbinned width and height of the sensor, pixels
	SensorSize int

	// PixelSize is the unbinned pixel pitch, mm
	PixelSize float64

	// Shuffle writes the frames of a series into swapped pairs of slots,
	// as a detector delivering out of order would
	Shuffle bool

	// BeamX, BeamY, and Sigma place the spot, mm from the top left corner
	BeamX, BeamY, Sigma float64

	// BeamFunc, if not nil, overrides BeamX and BeamY at every capture
	BeamFunc func() (x, y float64)

	// Amplitude is the peak of the spot above Background, counts
	Amplitude float64

	// Background is the level of the rest of the image, counts
	Background uint16

	// Noise is the amplitude of uniform noise added to every pixel, counts
	Noise float64

	// Counter, if not nil, counts hardware triggers
	Counter *timing.MockCounter

	// FiducialEpoch is when the simulated fiducial counter was zero
	FiducialEpoch time.Time

	mu          sync.Mutex
	ln          net.Listener
	conns       map[net.Conn]struct{}
	wg          sync.WaitGroup
	rng         *rand.Rand
	bin         int
	mode        int
	bkgW, bkgH  int
	integrating bool
	signal      string
	series      *simSeries
	failed      bool
	lastFid     int
	last        *camera.Image
	received    []string
}

// NewSimulator returns a simulator of the full sensor at bin factor 2 with
// the spot in the middle
func NewSimulator() *Simulator {
	s := &Simulator{
		SensorSize:    NominalSensorSize,
		PixelSize:     NominalPixelSize,
		Sigma:         0.1,
		Amplitude:     20000,
		Background:    100,
		FiducialEpoch: time.Now(),
		bin:           2,
		signal:        SignalOpto,
		lastFid:       -1,
		rng:           rand.New(rand.NewSource(1)),
	}
	center := float64(s.SensorSize) * s.PixelSize / 2
	s.BeamX, s.BeamY = center, center
	return s
}

// Listen starts serving on addr, such as "127.0.0.1:0"
func (s *Simulator) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.conns = map[net.Conn]struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	go s.serve()
	return nil
}

// Addr is the listening address
func (s *Simulator) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Endpoint is the comm endpoint of the simulator
func (s *Simulator) Endpoint() string {
	return "tcp://" + s.Addr()
}

// Close stops serving and drops every connection
func (s *Simulator) Close() error {
	s.mu.Lock()
	ln := s.ln
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	return err
}

func (s *Simulator) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Simulator) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if reply, ok := s.Handle(line); ok {
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}
}

// Fail puts the detector in the global error state, or takes it out
func (s *Simulator) Fail(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = failed
}

// Received returns every command line received so far
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Bin returns the current bin factor
func (s *Simulator) Bin() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bin
}

// SetBin forces the bin factor, as if set from the detector console
func (s *Simulator) SetBin(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bin = n
	s.bkgW, s.bkgH = 0, 0
}

// Trigger emulates a hardware trigger pulse.  It is ignored unless the
// trigger input is a hardware one.
func (s *Simulator) Trigger() {
	if s.Counter != nil {
		s.Counter.Incr()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signal == SignalSoftware {
		return
	}
	s.seriesTrigger()
}

// state builds the status word.  s.mu must be held.
func (s *Simulator) state() State {
	if s.failed {
		return taskState(GlobalError, map[int]int{TaskAcquire: TaskError}, s.series != nil)
	}
	if s.series != nil {
		return taskState(GlobalBusy, map[int]int{TaskAcquire: TaskExecuting}, true)
	}
	if s.integrating {
		return taskState(GlobalBusy, map[int]int{TaskAcquire: TaskExecuting}, false)
	}
	return taskState(GlobalIdle, nil, false)
}

// size is the binned image size.  s.mu must be held.
func (s *Simulator) size() int {
	return s.SensorSize / s.bin
}

// Handle executes one protocol line and returns the reply, if the command
// has one
func (s *Simulator) Handle(line string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, line)
	fields := strings.Split(line, ",")
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "get_state":
		return strconv.Itoa(int(s.state())), true
	case "get_bin":
		return fmt.Sprintf("%d,%d", s.bin, s.bin), true
	case "get_readout_mode":
		return strconv.Itoa(s.mode), true
	case "get_size":
		return fmt.Sprintf("%d,%d", s.size(), s.size()), true
	case "get_size_bkg":
		return fmt.Sprintf("%d,%d", s.bkgW, s.bkgH), true
	case "start":
		s.integrating = true
	case "readout":
		s.readout(args)
	case "writefile":
		if len(args) >= 1 && s.last != nil {
			s.save(args[0], s.last)
		}
	case "set_bin":
		if len(args) < 1 {
			break
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || !ValidBin(n) || s.series != nil {
			log.Printf("simulator: rejecting %s", line)
			break
		}
		if n != s.bin {
			s.bin = n
			s.bkgW, s.bkgH = 0, 0
		}
	case "set_readout_mode":
		if len(args) >= 1 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				s.mode = n
			}
		}
	case "start_series":
		s.startSeries(args)
	case "trigger":
		if s.signal == SignalSoftware {
			s.seriesTrigger()
		}
	case "set_trigger_signal_type":
		if len(args) >= 1 {
			s.signal = args[0]
		}
	case "abort":
		s.series = nil
		s.integrating = false
	default:
		log.Printf("simulator: unknown command %q", line)
	}
	return "", false
}

// readout handles readout,kind[,path].  s.mu must be held.
func (s *Simulator) readout(args []string) {
	s.integrating = false
	if len(args) < 1 {
		return
	}
	if args[0] == "1" {
		s.bkgW, s.bkgH = s.size(), s.size()
		return
	}
	img := s.capture()
	s.last = img
	if len(args) >= 2 && args[1] != "" {
		s.save(args[1], img)
	}
}

// startSeries handles start_series,N,first,0,0,trig,0,base,suffix,width.
// s.mu must be held.
func (s *Simulator) startSeries(args []string) {
	if len(args) != 9 {
		log.Printf("simulator: start_series needs 9 arguments, got %d", len(args))
		return
	}
	ints := map[int]int{}
	for _, i := range []int{0, 1, 4, 8} {
		v, err := strconv.Atoi(args[i])
		if err != nil {
			log.Printf("simulator: start_series: %v", err)
			return
		}
		ints[i] = v
	}
	s.integrating = false
	s.series = &simSeries{
		n:      ints[0],
		first:  ints[1],
		trig:   FrameTrigger(ints[4]),
		base:   args[6],
		suffix: args[7],
		width:  ints[8],
	}
}

// seriesTrigger advances the series by one trigger.  In edge mode the
// first trigger only starts integration.  s.mu must be held.
func (s *Simulator) seriesTrigger() {
	sr := s.series
	if sr == nil {
		return
	}
	if sr.trig == TriggerEdge && !sr.armed {
		sr.armed = true
		return
	}
	slot := sr.frames
	if s.Shuffle {
		if swapped := slot ^ 1; swapped < sr.n {
			slot = swapped
		}
	}
	path := fmt.Sprintf("%s%0*d%s", sr.base, sr.width, sr.first+slot, sr.suffix)
	img := s.capture()
	s.last = img
	s.save(path, img)
	sr.frames++
	if sr.frames >= sr.n {
		s.series = nil
	}
}

// capture renders an image.  s.mu must be held.
func (s *Simulator) capture() *camera.Image {
	n := s.size()
	img := camera.NewImage(n, n, s.PixelSize*float64(s.bin))
	img.Fill(s.Background)
	x, y := s.BeamX, s.BeamY
	if s.BeamFunc != nil {
		x, y = s.BeamFunc()
	}
	img.DrawGaussian(x, y, s.Sigma, s.Amplitude)
	if s.Noise > 0 {
		for i, v := range img.Pix {
			f := float64(v) + (s.rng.Float64()*2-1)*s.Noise
			if f < 0 {
				f = 0
			}
			if f > camera.Saturation {
				f = camera.Saturation
			}
			img.Pix[i] = uint16(f)
		}
	}
	now := time.Now()
	img.Timestamp = now.UTC()
	fid := timing.Fiducial(now, s.FiducialEpoch)
	if s.lastFid >= 0 && fid <= s.lastFid {
		fid = (s.lastFid + 1) % timing.FiducialPeriod
	}
	s.lastFid = fid
	img.Fiducial = fid
	return img
}

// save writes img to path, logging failures
func (s *Simulator) save(path string, img *camera.Image) {
	if err := camera.SaveFITS(path, img); err != nil {
		log.Printf("simulator: %v", err)
	}
}
