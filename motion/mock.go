package motion

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrMockFailure is returned by a MockActuator with Fail set
var ErrMockFailure = errors.New("mock actuator configured to fail")

// MockActuator is an in-memory actuator which moves toward its set-point at
// a finite Speed (units per second; zero moves instantly).  String values
// change instantly.
type MockActuator struct {
	sync.Mutex
	start     Value
	target    Value
	startTime time.Time
	history   []Value

	// Speed is the slew rate in units per second
	Speed float64

	// Fail makes every call return ErrMockFailure
	Fail bool

	// Descr is returned by Description
	Descr string
}

// NewMock returns a mock actuator at rest at initial
func NewMock(initial Value) *MockActuator {
	return &MockActuator{start: initial, target: initial, startTime: time.Now()}
}

// pos computes the current value.  The lock must be held.
func (m *MockActuator) pos() Value {
	if !m.target.Numeric() || !m.start.Numeric() || m.Speed <= 0 {
		return m.target
	}
	delta := m.target.Float - m.start.Float
	travel := m.Speed * time.Since(m.startTime).Seconds()
	if travel >= math.Abs(delta) {
		return m.target
	}
	return Float(m.start.Float + math.Copysign(travel, delta))
}

// Get returns the current value
func (m *MockActuator) Get() (Value, error) {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return Value{}, ErrMockFailure
	}
	return m.pos(), nil
}

// Set begins a move to v
func (m *MockActuator) Set(v Value) error {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return ErrMockFailure
	}
	m.start = m.pos()
	m.target = v
	m.startTime = time.Now()
	m.history = append(m.history, v)
	return nil
}

// CommandValue returns the last set-point
func (m *MockActuator) CommandValue() (Value, error) {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return Value{}, ErrMockFailure
	}
	return m.target, nil
}

// Moving is true until the actuator reaches its set-point
func (m *MockActuator) Moving() (bool, error) {
	m.Lock()
	defer m.Unlock()
	if m.Fail {
		return false, ErrMockFailure
	}
	return m.pos() != m.target, nil
}

// Stop halts motion where the actuator is
func (m *MockActuator) Stop() error {
	m.Lock()
	defer m.Unlock()
	p := m.pos()
	m.start, m.target = p, p
	m.startTime = time.Now()
	return nil
}

// Description returns Descr
func (m *MockActuator) Description() string {
	return m.Descr
}

// History returns every value passed to Set, in order
func (m *MockActuator) History() []Value {
	m.Lock()
	defer m.Unlock()
	return append([]Value(nil), m.history...)
}
