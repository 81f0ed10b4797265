// Package motion contains the abstract interface for a beamline actuator
// (motor, mirror angle, piezo voltage, or any other settable channel) and a
// registry mapping names to actuators.
//
// Actuators are split by capability, like the motion controllers of old:
// every Actuator can be read and written, and may additionally implement
// CommandValuer, Mover, Stopper, or Describer.
package motion

import (
	"context"
	"errors"
	"fmt"
	"go/types"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoSuchActuator is generated when a name is not in the registry
	ErrNoSuchActuator = errors.New("no actuator registered with that name")

	// ErrReadOnly is generated by actuators which cannot be written
	ErrReadOnly = errors.New("actuator is read only")
)

// Value is a numeric or string actuator value.  T is types.Float64 or
// types.String.
type Value struct {
	T      types.BasicKind
	Float  float64
	String string
}

// Float returns a numeric Value
func Float(f float64) Value {
	return Value{T: types.Float64, Float: f}
}

// String returns a string Value
func String(s string) Value {
	return Value{T: types.String, String: s}
}

// ParseValue returns a numeric Value if s parses as a float, otherwise a
// string Value
func ParseValue(s string) Value {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return String(s)
	}
	return Float(f)
}

// Numeric is true if v holds a float
func (v Value) Numeric() bool {
	return v.T == types.Float64
}

// Float64 returns the numeric value of v.  String values are parsed, and
// yield NaN if they are not numbers.
func (v Value) Float64() float64 {
	if v.Numeric() {
		return v.Float
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.String), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// Text returns the string form of v
func (v Value) Text() string {
	if v.Numeric() {
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return v.String
}

// Format renders v with a printf-style format for numbers; strings are
// returned verbatim
func (v Value) Format(format string) string {
	if !v.Numeric() {
		return v.String
	}
	if format == "" {
		return v.Text()
	}
	return fmt.Sprintf(format, v.Float)
}

// Actuator is a named channel with a value that can be read and written
type Actuator interface {
	// Get reads the current value
	Get() (Value, error)

	// Set commands a new value.  It may return before motion completes.
	Set(Value) error
}

// CommandValuer reports the last commanded set-point, which may differ
// from the current value while moving
type CommandValuer interface {
	CommandValue() (Value, error)
}

// Mover reports if the actuator is still moving
type Mover interface {
	Moving() (bool, error)
}

// Stopper can stop motion
type Stopper interface {
	Stop() error
}

// Describer has a human readable description
type Describer interface {
	Description() string
}

// Func adapts a pair of functions to an Actuator.  A nil SetF makes the
// actuator read only.
type Func struct {
	GetF  func() (Value, error)
	SetF  func(Value) error
	Descr string
}

// Get calls GetF
func (f Func) Get() (Value, error) {
	return f.GetF()
}

// Set calls SetF
func (f Func) Set(v Value) error {
	if f.SetF == nil {
		return ErrReadOnly
	}
	return f.SetF(v)
}

// Description returns Descr
func (f Func) Description() string {
	return f.Descr
}

// Registry maps names to actuators.  It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	acts map[string]Actuator
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{acts: make(map[string]Actuator)}
}

// Register adds or replaces an actuator
func (r *Registry) Register(name string, a Actuator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acts[name] = a
}

// Lookup returns the actuator with a given name
func (r *Registry) Lookup(name string) (Actuator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.acts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchActuator, name)
	}
	return a, nil
}

// Names returns the registered names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.acts))
	for k := range r.acts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Moving is true if a implements Mover and reports it is moving.  Errors
// are treated as not moving.
func Moving(a Actuator) bool {
	m, ok := a.(Mover)
	if !ok {
		return false
	}
	b, err := m.Moving()
	return err == nil && b
}

// WaitStill polls a every period until it stops moving or ctx is done
func WaitStill(ctx context.Context, a Actuator, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for Moving(a) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
