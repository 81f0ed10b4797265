// Package adxv drives a running ADXV image viewer over its remote control
// TCP port, so it follows the images being acquired.
package adxv

import (
	"github.com/beamline-go/beamline/comm"
)

// DefaultEndpoint is where ADXV listens when started with -socket 8100
const DefaultEndpoint = "tcp://localhost:8100"

// Viewer is one ADXV instance
type Viewer struct {
	Pool     *comm.Pool
	Endpoint string
}

// New returns a viewer at endpoint, or DefaultEndpoint if it is empty
func New(pool *comm.Pool, endpoint string) *Viewer {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Viewer{Pool: pool, Endpoint: endpoint}
}

// LoadImage tells the viewer to display the image at path.  No reply is
// expected; failures are logged by the pool.
func (v *Viewer) LoadImage(path string) {
	v.Pool.Send(v.Endpoint, "load_image "+path)
}

// Online is true if the viewer accepts connections
func (v *Viewer) Online() bool {
	return v.Pool.Connected(v.Endpoint)
}
