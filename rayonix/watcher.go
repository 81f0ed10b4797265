package rayonix

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beamline-go/beamline/camera"
	"github.com/beamline-go/beamline/metrics"
	"github.com/beamline-go/beamline/timing"
)

// stateCheckEvery is how many scans pass between detector state checks
const stateCheckEvery = 10

var scratchRE = regexp.MustCompile(`^(.*?)(\d{6})\.rx$`)

// scratchNumber parses a scratch filename into the image number it holds
func scratchNumber(name string) (int, bool) {
	m := scratchRE.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}

// observation is what a scan saw of a scratch file
type observation struct {
	size  int64
	mod   time.Time
	first time.Time
}

// watch is the state of one series' scratch watcher.  Apart from stop and
// done it is owned by the watcher goroutine.
type watch struct {
	dir          string
	stop         chan struct{}
	done         chan struct{}
	once         sync.Once
	seen         map[string]observation
	unmatched    map[string]bool
	series       []delivery
	scans        int
	lastState    State
	triggerStart int
}

func newWatch(dir string) *watch {
	return &watch{
		dir:       dir,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		seen:      map[string]observation{},
		unmatched: map[string]bool{},
	}
}

// halt stops the watcher and waits for it to exit
func (w *watch) halt() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

// stable is true once a file has kept the same nonzero size and
// modification time for at least settle
func (w *watch) stable(name string, fi os.FileInfo, settle time.Duration) (bool, time.Time) {
	now := time.Now()
	o, ok := w.seen[name]
	if !ok || o.size != fi.Size() || !o.mod.Equal(fi.ModTime()) {
		first := now
		if ok {
			first = o.first
		}
		w.seen[name] = observation{size: fi.Size(), mod: fi.ModTime(), first: first}
		return false, first
	}
	if fi.Size() == 0 {
		return false, o.first
	}
	return now.Sub(o.first) >= settle || now.Sub(fi.ModTime()) >= settle, o.first
}

func (c *Controller) scanInterval() time.Duration {
	if c.ScanInterval <= 0 {
		return DefaultScanInterval
	}
	return c.ScanInterval
}

// run is the watcher goroutine of a series.  It scans the scratch
// directory on every filesystem event and on every tick until all images
// are delivered or the series is aborted.
func (c *Controller) run(w *watch) {
	defer close(w.done)
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fw.Close()
		if err = fw.Add(w.dir); err == nil {
			events, errs = fw.Events, fw.Errors
		}
	}
	if err != nil {
		log.Printf("rayonix: cannot watch %s, polling only: %v", w.dir, err)
	}
	ticker := time.NewTicker(c.scanInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("rayonix: watching %s: %v", w.dir, err)
			continue
		case <-ticker.C:
		}
		if c.safeScan(w) {
			c.finish(w)
			return
		}
	}
}

// safeScan runs one scan, logging instead of dying if it panics
func (c *Controller) safeScan(w *watch) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rayonix: scratch scan panicked: %v\n%s", r, debug.Stack())
			done = false
		}
	}()
	return c.scan(w)
}

// scan handles every finished file in the scratch directory and reports
// whether the series is complete
func (c *Controller) scan(w *watch) bool {
	w.scans++
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("rayonix: reading scratch: %v", err)
		return false
	}
	for _, e := range entries {
		n, ok := scratchNumber(e.Name())
		if !ok {
			continue
		}
		c.handle(w, n, filepath.Join(w.dir, e.Name()))
	}
	c.prune(w)
	if w.scans%stateCheckEvery == 0 {
		c.checkState(w)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquiring && len(c.pending) == 0
}

// handle processes the scratch file of image n at path
func (c *Controller) handle(w *watch, n int, path string) {
	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	target, wanted := c.pending[n]
	c.mu.Unlock()

	if fi.Mode()&os.ModeSymlink != 0 {
		dest, err := os.Readlink(path)
		if err != nil {
			log.Printf("rayonix: %v", err)
			return
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(w.dir, dest)
		}
		tfi, err := os.Stat(dest)
		if err != nil {
			// not written yet
			return
		}
		ok, first := w.stable(path, tfi, c.scanInterval())
		if !ok {
			return
		}
		if err := os.Remove(path); err != nil {
			log.Printf("rayonix: removing link: %v", err)
		}
		delete(w.seen, path)
		if wanted {
			c.deliver(w, n, target, first)
		}
		return
	}

	if !fi.Mode().IsRegular() {
		return
	}
	ok, first := w.stable(path, fi, c.scanInterval())
	if !ok {
		return
	}
	if wanted {
		if err := moveFile(path, target); err != nil {
			log.Printf("rayonix: moving image %d to %s: %v", n, target, err)
			return
		}
		delete(w.seen, path)
		c.deliver(w, n, target, first)
		return
	}
	if !w.unmatched[path] {
		w.unmatched[path] = true
		c.metrics().IncCounter(metrics.ImagesUnmatched, 1)
		c.show(path, c.Options())
	}
}

// prune deletes the oldest unclaimed scratch images beyond NImagesToKeep
func (c *Controller) prune(w *watch) {
	opts := c.Options()
	if !opts.LimitFilesEnabled {
		return
	}
	type file struct {
		path string
		mod  time.Time
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	c.mu.Lock()
	files := []file{}
	for _, e := range entries {
		n, ok := scratchNumber(e.Name())
		if !ok || !e.Type().IsRegular() {
			continue
		}
		if _, wanted := c.pending[n]; wanted {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{filepath.Join(w.dir, e.Name()), info.ModTime()})
	}
	c.mu.Unlock()
	excess := len(files) - opts.NImagesToKeep
	if excess <= 0 {
		return
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].path < files[j].path
		}
		return files[i].mod.Before(files[j].mod)
	})
	for _, f := range files[:excess] {
		if err := os.Remove(f.path); err != nil {
			log.Printf("rayonix: pruning scratch: %v", err)
			continue
		}
		delete(w.seen, f.path)
		delete(w.unmatched, f.path)
		c.metrics().IncCounter(metrics.FilesPruned, 1)
	}
}

// checkState logs new detector errors and ends the series if the detector
// is in the global error state
func (c *Controller) checkState(w *watch) {
	st, err := c.Client.State()
	if err != nil {
		return
	}
	if st.Errored() && st != w.lastState {
		log.Printf("rayonix: detector reports %s", st)
	}
	w.lastState = st
	if st.Global() == GlobalError {
		log.Printf("rayonix: detector in error state, series abandoned with %d images pending", c.NImages())
		c.mu.Lock()
		c.pending = map[int]string{}
		c.mu.Unlock()
	}
}

// moveFile renames src to dst, copying across filesystems
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// reorder permutes the files of a series so that image numbers follow the
// fiducials stamped in the files, and returns the paths now holding a
// different frame.  Images without a fiducial leave the series untouched.
func reorder(series []delivery) []string {
	if len(series) < 2 {
		return nil
	}
	s := append([]delivery(nil), series...)
	sort.Slice(s, func(i, j int) bool { return s[i].number < s[j].number })
	fids := make([]int, len(s))
	for i, d := range s {
		hdr, err := camera.LoadHeader(d.path)
		if err != nil || hdr.Fiducial < 0 {
			return nil
		}
		fids[i] = hdr.Fiducial
	}
	order := timing.Order(fids)
	identity := true
	for i, j := range order {
		if i != j {
			identity = false
			break
		}
	}
	if identity {
		return nil
	}
	tmp := make([]string, len(s))
	for i, d := range s {
		tmp[i] = d.path + ".reorder"
		if err := os.Rename(d.path, tmp[i]); err != nil {
			log.Printf("rayonix: reordering series: %v", err)
			// put back what was moved
			for k := 0; k < i; k++ {
				os.Rename(tmp[k], s[k].path)
			}
			return nil
		}
	}
	moved := []string{}
	for i, j := range order {
		if err := os.Rename(tmp[j], s[i].path); err != nil {
			log.Printf("rayonix: reordering series: %v", err)
			continue
		}
		if i != j {
			moved = append(moved, s[i].path)
		}
	}
	log.Printf("rayonix: reordered %d images by fiducial", len(s))
	return moved
}
