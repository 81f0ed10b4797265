package timing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/beamline-go/beamline/motion"
	"github.com/google/go-cmp/cmp"
)

func TestFiducialWraps(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Fiducial(epoch.Add(364*time.Second+time.Second), epoch)
	if f != 360 {
		t.Errorf("expected 360 one second after the wrap, got %d", f)
	}
}

func TestUnwrapNoWrap(t *testing.T) {
	in := []int{100, 50, 200}
	out := Unwrap(in)
	if !cmp.Equal(in, out) {
		t.Errorf("expected unchanged %v got %v", in, out)
	}
}

func TestOrderAcrossWrap(t *testing.T) {
	// the series straddles the wrap: 131000 came first, then 10, then 400
	in := []int{400, 131000, 10}
	order := Order(in)
	expected := []int{1, 2, 0}
	if !cmp.Equal(expected, order) {
		t.Errorf("expected %v got %v", expected, order)
	}
}

func TestMockCounterSubscribe(t *testing.T) {
	m := &MockCounter{}
	ch, cancel := m.Subscribe()
	defer cancel()
	m.Incr()
	m.Incr()
	if v := <-ch; v != 1 {
		t.Errorf("expected 1 got %d", v)
	}
	if v := <-ch; v != 2 {
		t.Errorf("expected 2 got %d", v)
	}
	cancel()
	m.Incr()
	select {
	case v := <-ch:
		t.Errorf("expected no delivery after cancel, got %d", v)
	default:
	}
}

func TestPolledCounter(t *testing.T) {
	reg := motion.NewMock(motion.Float(5))
	p := &PolledCounter{Actuator: reg, Interval: 5 * time.Millisecond}
	ch, cancel := p.Subscribe()
	defer cancel()
	select {
	case v := <-ch:
		if v != 5 {
			t.Errorf("expected 5 got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no value from poller")
	}
	reg.Set(motion.Float(6))
	select {
	case v := <-ch:
		if v != 6 {
			t.Errorf("expected 6 got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no update from poller")
	}
}

// flaky panics on its first n reads
type flaky struct {
	n     int32
	value float64
}

func (f *flaky) Get() (motion.Value, error) {
	if atomic.AddInt32(&f.n, -1) >= 0 {
		panic("counter register unreadable")
	}
	return motion.Float(f.value), nil
}

func (f *flaky) Set(motion.Value) error { return nil }

func TestPolledCounterSurvivesPanic(t *testing.T) {
	p := &PolledCounter{Actuator: &flaky{n: 2, value: 9}, Interval: 5 * time.Millisecond}
	ch, cancel := p.Subscribe()
	defer cancel()
	select {
	case v := <-ch:
		if v != 9 {
			t.Errorf("expected 9 got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("poller stopped after a panic")
	}
}
