package rayonix

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/beamline-go/beamline/adxv"
	"github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/comm"
	"github.com/beamline-go/beamline/metrics"
	"github.com/beamline-go/beamline/settings"
	"github.com/beamline-go/beamline/timing"
)

// newRig starts a simulator of a size x size sensor and a controller
// talking to it
func newRig(t *testing.T, size int) (*Simulator, *Controller) {
	t.Helper()
	sim := NewSimulator()
	sim.SensorSize = size
	sim.BeamX = float64(size) * sim.PixelSize / 2
	sim.BeamY = sim.BeamX
	sim.Sigma = sim.BeamX / 8
	if err := sim.Listen("127.0.0.1:0"); err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { sim.Close() })
	pool := comm.NewPool()
	t.Cleanup(pool.Close)
	cl := NewClient(pool, sim.Endpoint())
	cl.PollInterval = 5 * time.Millisecond
	c := NewController(cl)
	c.ScanInterval = 10 * time.Millisecond
	return sim, c
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countReceived(sim *Simulator, prefix string) int {
	n := 0
	for _, l := range sim.Received() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// countObs counts what it is told
type countObs struct {
	mu     sync.Mutex
	counts map[string]float64
}

func (o *countObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]float64{}
	}
	o.counts[name] += v
}

func (o *countObs) SetGauge(string, float64)       {}
func (o *countObs) ObserveLatency(string, float64) {}

func (o *countObs) get(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[name]
}

func TestStatePredicates(t *testing.T) {
	idle := taskState(GlobalIdle, nil, false)
	if !idle.Idle() {
		t.Errorf("expected %s to be idle", idle)
	}
	acq := taskState(GlobalBusy, map[int]int{TaskAcquire: TaskExecuting}, true)
	if acq.Idle() || !acq.Integrating() || !acq.SeriesActive() {
		t.Errorf("expected busy integrating series, got %s", acq)
	}
	if want := "busy, acquire executing, acquiring series"; acq.String() != want {
		t.Errorf("expected %q got %q", want, acq.String())
	}
	rd := taskState(GlobalIdle, map[int]int{TaskRead: TaskQueued}, false)
	if rd.Idle() {
		t.Error("queued readout should not be idle")
	}
	bad := taskState(GlobalIdle, map[int]int{TaskWrite: TaskError}, false)
	if !bad.Errored() {
		t.Error("write error should be reported")
	}
	if State(GlobalError).Idle() || !State(GlobalError).Errored() {
		t.Error("global error state misreported")
	}
}

func TestDecodeFailureYieldsZero(t *testing.T) {
	v, err := decodeInts("get_bin", "garbage", 2)
	if !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode got %v", err)
	}
	if !cmp.Equal(v, []int{0, 0}) {
		t.Errorf("expected zeros got %v", v)
	}
	v, err = decodeInts("get_state", "0x2000008", 1)
	if err != nil || v[0] != 0x2000008 {
		t.Errorf("expected 0x2000008 got %#x (%v)", v[0], err)
	}
}

func TestPathRoundTrip(t *testing.T) {
	mirror := t.TempDir()
	defer func(m string) { MirrorRoot = m }(MirrorRoot)
	MirrorRoot = mirror
	if err := os.MkdirAll(filepath.Join(mirror, "id14b4", "data"), 0777); err != nil {
		t.Fatal(err)
	}
	cases := []struct{ unc, det string }{
		{`\\id14b4\data\2026\run1\`, mirror + "/id14b4/data/2026/run1/"},
		{`\\id14b4\data\x.rx`, mirror + "/id14b4/data/x.rx"},
		{`\\femto\scratch\y.rx`, NetRoot + "/femto/scratch/y.rx"},
	}
	for _, c := range cases {
		got := ToDetectorPath(c.unc)
		if got != c.det {
			t.Errorf("expected %s got %s", c.det, got)
		}
		if back := FromDetectorPath(got); back != c.unc {
			t.Errorf("expected %s got %s", c.unc, back)
		}
	}
	if got := ToDetectorPath("/local/path"); got != "/local/path" {
		t.Errorf("expected local path unchanged, got %s", got)
	}
}

func TestScratchNames(t *testing.T) {
	if got := ScratchName(0); got != "000001.rx" {
		t.Errorf("expected 000001.rx got %s", got)
	}
	n, ok := scratchNumber("test000012.rx")
	if !ok || n != 11 {
		t.Errorf("expected 11 got %d (%v)", n, ok)
	}
	if _, ok := scratchNumber("000001.rx.reorder"); ok {
		t.Error("expected non-scratch name to be rejected")
	}
	req := Request{{0, "/data/a/1.rx"}, {1, "/data/b/2.rx"}}
	if got := ScratchDir(req); got != "/data/"+ScratchDirName {
		t.Errorf("expected /data/%s got %s", ScratchDirName, got)
	}
}

func TestBinChangeInvalidatesBackground(t *testing.T) {
	sim, c := newRig(t, 64)
	cl := c.Client
	ctx := context.Background()
	if err := cl.UpdateBkg(ctx); err != nil {
		t.Fatal(err)
	}
	if !cl.BkgValid() {
		t.Fatal("expected a valid background after readout,1")
	}
	if err := cl.SetBin(4); err != nil {
		t.Fatal(err)
	}
	if cl.BkgValid() {
		t.Error("expected the background to be invalid after a bin change")
	}
	before := countReceived(sim, "readout,1")
	if err := cl.StartIntegration(ctx); err != nil {
		t.Fatal(err)
	}
	if after := countReceived(sim, "readout,1"); after != before+1 {
		t.Errorf("expected one more readout,1, got %d then %d", before, after)
	}
	if !cl.BkgValid() {
		t.Error("expected a valid background after start")
	}
	if bin, _ := cl.Bin(); bin != 4 {
		t.Errorf("expected bin 4 got %d", bin)
	}
}

func TestSetBinValidation(t *testing.T) {
	_, c := newRig(t, 64)
	if err := c.Client.SetBin(7); !errors.Is(err, ErrInvalidBin) {
		t.Errorf("expected ErrInvalidBin got %v", err)
	}
}

func TestSetBinDuringSeriesRejected(t *testing.T) {
	sim, c := newRig(t, 64)
	dir := t.TempDir()
	if err := c.AcquireImages(context.Background(), Request{{0, filepath.Join(dir, "a.rx")}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Client.SetBin(4); !errors.Is(err, ErrSeriesActive) {
		t.Errorf("expected ErrSeriesActive got %v", err)
	}
	if sim.Bin() != 2 {
		t.Errorf("expected bin to stay 2, got %d", sim.Bin())
	}
	c.Abort()
}

func TestEmptyRequestIsNoop(t *testing.T) {
	sim, c := newRig(t, 64)
	if err := c.AcquireImages(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if got := sim.Received(); len(got) != 0 {
		t.Errorf("expected no commands, got %v", got)
	}
	if c.Acquiring() {
		t.Error("expected not acquiring")
	}
}

func TestMissingScratchDirCreated(t *testing.T) {
	_, c := newRig(t, 64)
	root := filepath.Join(t.TempDir(), "does", "not", "exist")
	req := Request{{0, filepath.Join(root, "x", "a.rx")}, {1, filepath.Join(root, "y", "b.rx")}}
	if err := c.AcquireImages(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	defer c.Abort()
	scratch := filepath.Join(root, ScratchDirName)
	for _, name := range []string{"000001.rx", "000002.rx"} {
		fi, err := os.Lstat(filepath.Join(scratch, name))
		if err != nil {
			t.Fatal(err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			t.Errorf("expected %s to be a symbolic link", name)
		}
	}
	got, _ := os.Readlink(filepath.Join(scratch, "000001.rx"))
	if got != "../x/a.rx" {
		t.Errorf("expected link to ../x/a.rx got %s", got)
	}
}

// runSeries acquires req and fires triggers until every image is delivered
func runSeries(t *testing.T, sim *Simulator, c *Controller, req Request, timeout time.Duration) {
	t.Helper()
	if err := c.AcquireImages(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	max := 0
	for _, tg := range req {
		if tg.ImageNumber > max {
			max = tg.ImageNumber
		}
	}
	for i := 0; i <= max; i++ {
		sim.Trigger()
	}
	waitFor(t, timeout, "series to complete", func() bool { return !c.Acquiring() })
}

func checkSeries(t *testing.T, sim *Simulator, c *Controller, size int, timeout time.Duration) {
	dir := filepath.Join(t.TempDir(), "a")
	req := Request{}
	for i := 1; i <= 5; i++ {
		req = append(req, Target{i, filepath.Join(dir, fmt.Sprintf("%03d.rx", i))})
	}
	runSeries(t, sim, c, req, timeout)
	for _, tg := range req {
		hdr, err := camera.LoadHeader(tg.Filename)
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Width != size/2 || hdr.Height != size/2 {
			t.Errorf("expected %dx%d got %dx%d", size/2, size/2, hdr.Width, hdr.Height)
		}
		if math.Abs(hdr.PixelSize-0.088) > 1e-9 {
			t.Errorf("expected pixel size 0.088 got %v", hdr.PixelSize)
		}
	}
	if c.LastImageNumber() != 5 {
		t.Errorf("expected last image 5 got %d", c.LastImageNumber())
	}
	if c.NImages() != 0 {
		t.Errorf("expected no images pending, got %d", c.NImages())
	}
	if c.CurrentImageBasename() != "005.rx" {
		t.Errorf("expected 005.rx got %s", c.CurrentImageBasename())
	}
	start := 0
	for _, l := range sim.Received() {
		if strings.HasPrefix(l, "start_series") {
			start++
			want := fmt.Sprintf("start_series,6,1,0,0,1,0,%s/,.rx,6", filepath.Join(dir, ScratchDirName))
			if l != want {
				t.Errorf("expected %s got %s", want, l)
			}
		}
	}
	if start != 1 {
		t.Errorf("expected one start_series got %d", start)
	}
}

func TestSeriesDeliversImages(t *testing.T) {
	sim, c := newRig(t, 64)
	checkSeries(t, sim, c, 64, 5*time.Second)
	// the edge mode pre-fire goes out once, by software
	seq := []string{}
	for _, l := range sim.Received() {
		if strings.HasPrefix(l, "set_trigger") || strings.HasPrefix(l, "trigger") {
			seq = append(seq, l)
		}
	}
	want := []string{"set_trigger_signal_type,Software", "trigger,0.001", "set_trigger_signal_type,Opto"}
	if !cmp.Equal(seq, want) {
		t.Errorf("pre-fire mismatch (-want +got):\n%s", cmp.Diff(want, seq))
	}
}

func TestFullSensorSeries(t *testing.T) {
	if testing.Short() {
		t.Skip("full sensor images are large")
	}
	sim, c := newRig(t, NominalSensorSize)
	checkSeries(t, sim, c, NominalSensorSize, 2*time.Minute)
}

func TestBulbModeSkipsPrefire(t *testing.T) {
	sim, c := newRig(t, 64)
	o := c.Options()
	o.BulbMode = true
	c.SetOptions(o)
	dir := t.TempDir()
	runSeries(t, sim, c, Request{{0, filepath.Join(dir, "a.rx")}, {1, filepath.Join(dir, "b.rx")}}, 5*time.Second)
	if n := countReceived(sim, "trigger,"); n != 0 {
		t.Errorf("expected no software trigger in bulb mode, got %d", n)
	}
	if n := countReceived(sim, "start_series,2,1,0,0,2,"); n != 1 {
		t.Errorf("expected a bulb series, got %v", sim.Received())
	}
	if !exists(filepath.Join(dir, "a.rx")) || !exists(filepath.Join(dir, "b.rx")) {
		t.Error("expected both images delivered")
	}
}

func TestADXVFollowsDeliveries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	var mu sync.Mutex
	lines := []string{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					mu.Lock()
					lines = append(lines, sc.Text())
					mu.Unlock()
				}
			}()
		}
	}()

	sim, c := newRig(t, 64)
	c.ADXV = adxv.New(c.Client.Pool, "tcp://"+ln.Addr().String())
	o := c.Options()
	o.ADXVLiveImage = true
	c.SetOptions(o)
	dir := t.TempDir()
	req := Request{}
	want := []string{}
	for i := 0; i < 3; i++ {
		fn := filepath.Join(dir, fmt.Sprintf("img%d.rx", i))
		req = append(req, Target{i, fn})
		want = append(want, "load_image "+fn)
	}
	runSeries(t, sim, c, req, 5*time.Second)
	waitFor(t, 5*time.Second, "viewer commands", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) >= len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	if !cmp.Equal(lines, want) {
		t.Errorf("viewer commands mismatch (-want +got):\n%s", cmp.Diff(want, lines))
	}
}

func TestRetentionBound(t *testing.T) {
	sim, c := newRig(t, 32)
	obs := &countObs{}
	c.Metrics = obs
	o := c.Options()
	o.NImagesToKeep = 2
	c.SetOptions(o)
	root := t.TempDir()
	runSeries(t, sim, c, Request{{9, filepath.Join(root, "last.rx")}}, 5*time.Second)
	entries, err := os.ReadDir(filepath.Join(root, ScratchDirName))
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, e := range entries {
		if _, ok := scratchNumber(e.Name()); ok {
			n++
		}
	}
	if n > 2 {
		t.Errorf("expected at most 2 scratch images, got %d", n)
	}
	if got := obs.get(metrics.FilesPruned); got != float64(9-n) {
		t.Errorf("expected %d pruned got %v", 9-n, got)
	}
	if !exists(filepath.Join(root, "last.rx")) {
		t.Error("expected the requested image delivered")
	}
}

func fiducials(t *testing.T, req Request) []int {
	out := []int{}
	for _, tg := range req {
		hdr, err := camera.LoadHeader(tg.Filename)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, hdr.Fiducial)
	}
	return out
}

func shuffledRequest(dir string) Request {
	req := Request{}
	for i := 0; i < 4; i++ {
		req = append(req, Target{i, filepath.Join(dir, fmt.Sprintf("%d.rx", i))})
	}
	return req
}

func TestReorderByFiducial(t *testing.T) {
	sim, c := newRig(t, 32)
	sim.Shuffle = true
	req := shuffledRequest(t.TempDir())
	runSeries(t, sim, c, req, 5*time.Second)
	fids := fiducials(t, req)
	for i := 1; i < len(fids); i++ {
		if fids[i] <= fids[i-1] {
			t.Errorf("expected increasing fiducials, got %v", fids)
			break
		}
	}
}

func TestReorderShowsMovedFramesAgain(t *testing.T) {
	sim, c := newRig(t, 32)
	sim.Shuffle = true
	ch, cancel := c.Subscribe()
	defer cancel()
	req := shuffledRequest(t.TempDir())
	runSeries(t, sim, c, req, 5*time.Second)
	seen := map[string]int{}
	for done := false; !done; {
		select {
		case p := <-ch:
			seen[p]++
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	for _, tg := range req {
		if seen[tg.Filename] != 2 {
			t.Errorf("expected %s shown on delivery and after the reorder, got %d", tg.Filename, seen[tg.Filename])
		}
	}
}

func TestShuffleWithoutReorder(t *testing.T) {
	sim, c := newRig(t, 32)
	sim.Shuffle = true
	o := c.Options()
	o.ReorderByFiducial = false
	c.SetOptions(o)
	req := shuffledRequest(t.TempDir())
	runSeries(t, sim, c, req, 5*time.Second)
	fids := fiducials(t, req)
	if fids[0] < fids[1] {
		t.Errorf("expected swapped pairs without reordering, got %v", fids)
	}
}

func TestTriggerCount(t *testing.T) {
	sim, c := newRig(t, 32)
	counter := &timing.MockCounter{}
	sim.Counter = counter
	c.Counter = counter
	o := c.Options()
	o.BulbMode = true
	c.SetOptions(o)
	dir := t.TempDir()
	runSeries(t, sim, c, Request{{0, filepath.Join(dir, "a.rx")}, {1, filepath.Join(dir, "b.rx")}}, 5*time.Second)
	if c.TriggerCount() != 2 {
		t.Errorf("expected 2 triggers got %d", c.TriggerCount())
	}
}

func TestGlobalErrorEndsSeries(t *testing.T) {
	sim, c := newRig(t, 32)
	dir := t.TempDir()
	if err := c.AcquireImages(context.Background(), Request{{0, filepath.Join(dir, "a.rx")}}); err != nil {
		t.Fatal(err)
	}
	sim.Fail(true)
	waitFor(t, 5*time.Second, "series to be abandoned", func() bool { return !c.Acquiring() })
	if c.NImages() != 0 {
		t.Errorf("expected pending images dropped, got %d", c.NImages())
	}
}

func TestAbortDropsPending(t *testing.T) {
	sim, c := newRig(t, 32)
	dir := t.TempDir()
	req := Request{{0, filepath.Join(dir, "a.rx")}, {1, filepath.Join(dir, "b.rx")}}
	if err := c.AcquireImages(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	sim.Trigger()
	waitFor(t, 5*time.Second, "first image", func() bool { return c.LastImageNumber() == 0 })
	if err := c.Abort(); err != nil {
		t.Fatal(err)
	}
	if c.Acquiring() || c.NImages() != 0 {
		t.Errorf("expected idle controller, acquiring=%v pending=%d", c.Acquiring(), c.NImages())
	}
	if !exists(filepath.Join(dir, "a.rx")) {
		t.Error("expected the delivered image to stay")
	}
	// abort is sent without a reply
	waitFor(t, 5*time.Second, "the detector to be aborted", func() bool { return countReceived(sim, "abort") >= 1 })
	if c.NImages() != 0 {
		t.Errorf("expected nothing pending after the abort reached the detector, got %d", c.NImages())
	}
}

func TestAutoStartQueuesRequest(t *testing.T) {
	sim, c := newRig(t, 32)
	o := c.Options()
	o.AutoStart = true
	c.SetOptions(o)
	dir := t.TempDir()
	ctx := context.Background()
	if err := c.Submit(ctx, Request{{0, filepath.Join(dir, "first.rx")}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Submit(ctx, Request{{0, filepath.Join(dir, "second.rx")}}); err != nil {
		t.Fatal(err)
	}
	if n := countReceived(sim, "start_series"); n != 1 {
		t.Errorf("expected the second request queued, got %d series", n)
	}
	sim.Trigger()
	waitFor(t, 5*time.Second, "queued series", func() bool {
		return countReceived(sim, "set_trigger_signal_type,Opto") == 2 && c.Acquiring()
	})
	sim.Trigger()
	waitFor(t, 5*time.Second, "second image", func() bool { return exists(filepath.Join(dir, "second.rx")) && !c.Acquiring() })
	if !exists(filepath.Join(dir, "first.rx")) {
		t.Error("expected the first image delivered")
	}
}

func TestSoftwareAcquire(t *testing.T) {
	_, c := newRig(t, 32)
	ch, cancel := c.Subscribe()
	defer cancel()
	fn := filepath.Join(t.TempDir(), "sub", "single.fits")
	if err := c.Acquire(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
	img, err := camera.LoadFITS(fn)
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 16 {
		t.Errorf("expected width 16 got %d", img.Width)
	}
	select {
	case got := <-ch:
		if got != fn {
			t.Errorf("expected %s got %s", fn, got)
		}
	case <-time.After(time.Second):
		t.Error("expected the image to be published")
	}
}

func TestOptionsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	store, err := settings.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, c := newRig(t, 32)
	c.Store = store
	o := DefaultOptions()
	o.NImagesToKeep = 42
	o.IdleTimeout = 3 * time.Second
	o.BulbMode = true
	if err := c.SetOptions(o); err != nil {
		t.Fatal(err)
	}
	reopened, err := settings.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, c2 := newRig(t, 32)
	c2.Store = reopened
	if err := c2.LoadOptions(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(o, c2.Options()); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}
