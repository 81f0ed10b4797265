// Package timing models the timing system's trigger counter and the
// fiducial timestamps it stamps into each image.
package timing

import (
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/beamline-go/beamline/motion"
)

const (
	// FiducialRate is the fiducial counter frequency, Hz
	FiducialRate = 360

	// FiducialPeriod is where the 17-bit fiducial counter wraps, 364 s at 360 Hz
	FiducialPeriod = 131040
)

// Counter is a read-only integer channel counting detector triggers
type Counter interface {
	// Count reads the current value
	Count() (int, error)

	// Subscribe returns a channel receiving every new value and a function
	// that ends the subscription
	Subscribe() (<-chan int, func())
}

// fanout delivers values to subscribers without blocking on slow ones
type fanout struct {
	mu   sync.Mutex
	subs map[chan int]struct{}
}

func (f *fanout) subscribe() (<-chan int, func()) {
	ch := make(chan int, 16)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan int]struct{})
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

func (f *fanout) publish(v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// MockCounter is an in-memory trigger counter
type MockCounter struct {
	mu sync.Mutex
	n  int
	fanout
}

// Count returns the current value
func (m *MockCounter) Count() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n, nil
}

// Incr counts one trigger
func (m *MockCounter) Incr() {
	m.mu.Lock()
	m.n++
	n := m.n
	m.mu.Unlock()
	m.publish(n)
}

// Set forces the counter value
func (m *MockCounter) Set(n int) {
	m.mu.Lock()
	m.n = n
	m.mu.Unlock()
	m.publish(n)
}

// Subscribe to changes
func (m *MockCounter) Subscribe() (<-chan int, func()) {
	return m.subscribe()
}

// PolledCounter adapts an actuator (e.g. a register read over a line
// protocol) to a Counter by polling it while anyone is subscribed
type PolledCounter struct {
	Actuator motion.Actuator
	Interval time.Duration

	mu      sync.Mutex
	running bool
	fanout
}

// Count reads the actuator
func (p *PolledCounter) Count() (int, error) {
	v, err := p.Actuator.Get()
	if err != nil {
		return 0, err
	}
	return int(v.Float64()), nil
}

// Subscribe to changes.  The poller stops when the last subscriber leaves.
func (p *PolledCounter) Subscribe() (<-chan int, func()) {
	ch, cancel := p.subscribe()
	p.mu.Lock()
	if !p.running {
		p.running = true
		go p.poll()
	}
	p.mu.Unlock()
	return ch, cancel
}

func (p *PolledCounter) poll() {
	interval := p.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := -1
	for range ticker.C {
		p.mu.Lock()
		if p.count() == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		last = p.safeTick(last)
	}
}

// safeTick reads the counter once and publishes a changed value.  A panic
// in the actuator is logged and the poll goes on.
func (p *PolledCounter) safeTick(last int) (next int) {
	next = last
	defer func() {
		if r := recover(); r != nil {
			log.Printf("timing: trigger counter poll panicked: %v\n%s", r, debug.Stack())
		}
	}()
	n, err := p.Count()
	if err != nil {
		log.Printf("timing: trigger counter read failed: %v", err)
		return last
	}
	if n != last {
		p.publish(n)
	}
	return n
}

// Fiducial returns the fiducial counter value at t for a counter that was
// zero at epoch
func Fiducial(t, epoch time.Time) int {
	ticks := int64(t.Sub(epoch).Seconds() * FiducialRate)
	f := int(ticks % FiducialPeriod)
	if f < 0 {
		f += FiducialPeriod
	}
	return f
}

// Unwrap removes a single wrap of the fiducial counter from a sequence of
// timestamps: when their spread exceeds half a period, values in the lower
// half period are moved up by one period.  Longer sequences, spanning more
// than one wrap, are not handled.
func Unwrap(fids []int) []int {
	out := append([]int(nil), fids...)
	if len(out) == 0 {
		return out
	}
	lo, hi := out[0], out[0]
	for _, f := range out {
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	if hi-lo <= FiducialPeriod/2 {
		return out
	}
	for i, f := range out {
		if f < FiducialPeriod/2 {
			out[i] = f + FiducialPeriod
		}
	}
	return out
}

// Order returns the permutation that sorts fids chronologically, after
// unwrapping.  Ties keep their input order.
func Order(fids []int) []int {
	u := Unwrap(fids)
	idx := make([]int, len(u))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return u[idx[a]] < u[idx[b]] })
	return idx
}
