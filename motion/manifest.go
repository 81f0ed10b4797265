package motion

import (
	"fmt"
	"strings"

	"github.com/beamline-go/beamline/comm"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Spec describes one actuator in the startup manifest.
//
// Args are decoded according to Type:
//
//	mock:  Initial (number or string), Speed (units/s)
//	gcs2:  Axis, Voltage (bool)
//	line:  Read, Write, Moving, Stop (commands)
//
// Every type accepts Description.
type Spec struct {
	// Name is the registry key, e.g. "mir2Th" or "PZT.voltage"
	Name string `yaml:"Name" koanf:"Name"`

	// Type selects the driver, case insensitive
	Type string `yaml:"Type" koanf:"Type"`

	// Addr is the comm endpoint of the device, unused by mocks
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Args holds any arguments for the driver
	Args map[string]interface{} `yaml:"Args" koanf:"Args"`
}

type mockArgs struct {
	Initial     interface{}
	Speed       float64
	Description string
}

type gcs2Args struct {
	Axis        string
	Voltage     bool
	Description string
}

type lineArgs struct {
	Read        string
	Write       string
	Moving      string
	Stop        string
	Description string
}

func decodeArgs(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// New builds one actuator from its spec.  With mock set, every actuator is
// replaced by a MockActuator.
func New(s Spec, pool *comm.Pool, mock bool) (Actuator, error) {
	typ := strings.ToLower(s.Type)
	if mock {
		typ = "mock"
	}
	switch typ {
	case "mock":
		a := mockArgs{}
		if err := decodeArgs(s.Args, &a); err != nil {
			return nil, errors.Wrapf(err, "actuator %s", s.Name)
		}
		initial := Float(0)
		switch v := a.Initial.(type) {
		case string:
			initial = String(v)
		case nil:
		default:
			initial = ParseValue(fmt.Sprint(v))
		}
		m := NewMock(initial)
		m.Speed = a.Speed
		m.Descr = a.Description
		return m, nil
	case "gcs2", "pi":
		a := gcs2Args{}
		if err := decodeArgs(s.Args, &a); err != nil {
			return nil, errors.Wrapf(err, "actuator %s", s.Name)
		}
		if a.Axis == "" {
			a.Axis = "A"
		}
		return &GCS2{Pool: pool, Endpoint: s.Addr, Axis: a.Axis, Voltage: a.Voltage, Descr: a.Description}, nil
	case "line", "ascii":
		a := lineArgs{}
		if err := decodeArgs(s.Args, &a); err != nil {
			return nil, errors.Wrapf(err, "actuator %s", s.Name)
		}
		if a.Read == "" {
			return nil, fmt.Errorf("actuator %s: line actuators require a Read command", s.Name)
		}
		return &Line{Pool: pool, Endpoint: s.Addr, ReadCmd: a.Read, WriteCmd: a.Write,
			MovingCmd: a.Moving, StopCmd: a.Stop, Descr: a.Description}, nil
	default:
		return nil, fmt.Errorf("actuator %s: type %q not understood", s.Name, s.Type)
	}
}

// Build populates a registry from a manifest
func Build(specs []Spec, pool *comm.Pool, mock bool) (*Registry, error) {
	r := NewRegistry()
	for _, s := range specs {
		if s.Name == "" {
			return nil, errors.New("actuator in manifest has no Name")
		}
		a, err := New(s, pool, mock)
		if err != nil {
			return nil, err
		}
		r.Register(s.Name, a)
	}
	return r, nil
}
