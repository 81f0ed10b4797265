package motion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beamline-go/beamline/comm"
)

// GCS2 is one axis of a PI piezo controller speaking PI's GCS2 language,
// e.g. an E-727 driving the vertical piezo of a mirror.  With Voltage set,
// the axis is run open loop and the value is the output voltage.
type GCS2 struct {
	Pool     *comm.Pool
	Endpoint string
	Axis     string
	Voltage  bool
	Descr    string
}

func (g *GCS2) readFloat(cmd string) (float64, error) {
	// "POS? A" -> "A=+0080.4106"
	resp, err := g.Pool.QueryErr(g.Endpoint, strings.Join([]string{cmd, g.Axis}, " "), '\n', 0)
	if err != nil {
		return 0, err
	}
	str := strings.TrimSpace(string(resp))
	if len(str) == 0 {
		return 0, fmt.Errorf("the response from the controller was blank, is the axis %s online", g.Axis)
	}
	parts := strings.SplitN(str, "=", 2)
	return strconv.ParseFloat(parts[len(parts)-1], 64)
}

// Get reads the position (or voltage)
func (g *GCS2) Get() (Value, error) {
	cmd := "POS?"
	if g.Voltage {
		cmd = "VOL?"
	}
	f, err := g.readFloat(cmd)
	if err != nil {
		return Value{}, err
	}
	return Float(f), nil
}

// Set commands an absolute move (or output voltage)
func (g *GCS2) Set(v Value) error {
	cmd := "MOV"
	if g.Voltage {
		cmd = "SVA"
	}
	posS := strconv.FormatFloat(v.Float64(), 'G', -1, 64)
	return g.Pool.SendErr(g.Endpoint, strings.Join([]string{cmd, g.Axis, posS}, " "))
}

// CommandValue reads the commanded target
func (g *GCS2) CommandValue() (Value, error) {
	cmd := "MOV?"
	if g.Voltage {
		cmd = "SVA?"
	}
	f, err := g.readFloat(cmd)
	if err != nil {
		return Value{}, err
	}
	return Float(f), nil
}

// Moving is true while the axis is not on target.  Open loop axes never move.
func (g *GCS2) Moving() (bool, error) {
	if g.Voltage {
		return false, nil
	}
	f, err := g.readFloat("ONT?")
	if err != nil {
		return false, err
	}
	return f == 0, nil
}

// Stop halts all axes on the controller
func (g *GCS2) Stop() error {
	return g.Pool.SendErr(g.Endpoint, "STP")
}

// Description returns Descr
func (g *GCS2) Description() string {
	return g.Descr
}

// Line is an actuator on a device with a line-oriented ASCII protocol.  The
// read and write commands form the actuator's (read-address, write-address)
// pair; WriteCmd is a format string receiving the value as %s.  Replies of
// the form "name=value" are reduced to the value.
type Line struct {
	Pool      *comm.Pool
	Endpoint  string
	ReadCmd   string
	WriteCmd  string
	MovingCmd string
	StopCmd   string
	Descr     string
}

// Get issues ReadCmd
func (l *Line) Get() (Value, error) {
	resp, err := l.Pool.QueryErr(l.Endpoint, l.ReadCmd, '\n', 0)
	if err != nil {
		return Value{}, err
	}
	str := strings.TrimSpace(string(resp))
	if idx := strings.Index(str, "="); idx >= 0 {
		str = str[idx+1:]
	}
	return ParseValue(str), nil
}

// Set issues WriteCmd
func (l *Line) Set(v Value) error {
	if l.WriteCmd == "" {
		return ErrReadOnly
	}
	return l.Pool.SendErr(l.Endpoint, fmt.Sprintf(l.WriteCmd, v.Text()))
}

// Moving issues MovingCmd, if there is one; any nonzero reply is moving
func (l *Line) Moving() (bool, error) {
	if l.MovingCmd == "" {
		return false, nil
	}
	resp, err := l.Pool.QueryErr(l.Endpoint, l.MovingCmd, '\n', 0)
	if err != nil {
		return false, err
	}
	str := strings.TrimSpace(string(resp))
	if idx := strings.Index(str, "="); idx >= 0 {
		str = str[idx+1:]
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

// Stop issues StopCmd, if there is one
func (l *Line) Stop() error {
	if l.StopCmd == "" {
		return nil
	}
	return l.Pool.SendErr(l.Endpoint, l.StopCmd)
}

// Description returns Descr
func (l *Line) Description() string {
	return l.Descr
}
