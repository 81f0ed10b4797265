package rayonix

import (
	"fmt"
	"strings"
)

// Global detector states, the low nibble of the state word
const (
	GlobalIdle        = 0
	GlobalUnavailable = 6
	GlobalError       = 7
	GlobalBusy        = 8
)

// Task status bits, present in each task nibble
const (
	TaskQueued    = 0x1
	TaskExecuting = 0x2
	TaskError     = 0x4
)

// Tasks, numbered by their nibble in the state word
const (
	TaskAcquire   = 1
	TaskRead      = 2
	TaskCorrect   = 3
	TaskWrite     = 4
	TaskDezinger  = 5
	seriesBit     = 0x02000000
	numberOfTasks = 5
)

var taskNames = [...]string{"", "acquire", "read", "correct", "write", "dezinger"}

var globalNames = map[int]string{
	GlobalIdle:        "idle",
	GlobalUnavailable: "unavailable",
	GlobalError:       "error",
	GlobalBusy:        "busy",
}

var bitNames = []struct {
	bit  int
	name string
}{
	{TaskQueued, "queued"},
	{TaskExecuting, "executing"},
	{TaskError, "error"},
}

// State is the detector status word reported by get_state
type State int

// Global returns the global state nibble
func (s State) Global() int {
	return int(s) & 0xF
}

// Task returns the status nibble of task n (TaskAcquire ... TaskDezinger)
func (s State) Task(n int) int {
	return (int(s) >> (4 * n)) & 0xF
}

// Idle is true if the detector is idle with nothing queued or running
func (s State) Idle() bool {
	if s.Global() != GlobalIdle || s.SeriesActive() {
		return false
	}
	for n := 1; n <= numberOfTasks; n++ {
		if s.Task(n)&(TaskQueued|TaskExecuting) != 0 {
			return false
		}
	}
	return true
}

// Integrating is true while the detector acquires
func (s State) Integrating() bool {
	return s.Task(TaskAcquire)&TaskExecuting != 0
}

// Reading is true while the detector reads out
func (s State) Reading() bool {
	return s.Task(TaskRead)&TaskExecuting != 0
}

// Correcting is true while the detector applies corrections
func (s State) Correcting() bool {
	return s.Task(TaskCorrect)&TaskExecuting != 0
}

// Writing is true while the detector writes a file
func (s State) Writing() bool {
	return s.Task(TaskWrite)&TaskExecuting != 0
}

// SeriesActive is true while a triggered series is in progress
func (s State) SeriesActive() bool {
	return int(s)&seriesBit != 0
}

// Errored is true if any task reports an error or the global state is error
func (s State) Errored() bool {
	if s.Global() == GlobalError {
		return true
	}
	for n := 1; n <= numberOfTasks; n++ {
		if s.Task(n)&TaskError != 0 {
			return true
		}
	}
	return false
}

// String lists the active bits, e.g. "busy, acquire executing, acquiring
// series"
func (s State) String() string {
	parts := []string{}
	if name, ok := globalNames[s.Global()]; ok {
		parts = append(parts, name)
	} else {
		parts = append(parts, fmt.Sprintf("state %d", s.Global()))
	}
	for n := 1; n <= numberOfTasks; n++ {
		t := s.Task(n)
		for _, b := range bitNames {
			if t&b.bit != 0 {
				parts = append(parts, taskNames[n]+" "+b.name)
			}
		}
	}
	if s.SeriesActive() {
		parts = append(parts, "acquiring series")
	}
	return strings.Join(parts, ", ")
}

// taskState builds a state word; used by the simulator
func taskState(global int, tasks map[int]int, series bool) State {
	s := global & 0xF
	for n, v := range tasks {
		s |= (v & 0xF) << (4 * n)
	}
	if series {
		s |= seriesBit
	}
	return State(s)
}
