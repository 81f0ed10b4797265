package motion

import (
	"net/http"

	"github.com/beamline-go/beamline/generichttp"
	core "github.com/beamline-go/beamline/motion"
)

// HTTPStop adds the stop route to the route table
func HTTPStop(reg *core.Registry, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/stop"}] = Stop(reg)
}

// Stop returns an HTTP handler func that stops an actuator.  Actuators which
// cannot be stopped reply 405.
func Stop(reg *core.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		s, ok := a.(core.Stopper)
		if !ok {
			http.Error(w, "actuator cannot be stopped", http.StatusMethodNotAllowed)
			return
		}
		err := s.Stop()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
