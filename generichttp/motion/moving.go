package motion

import (
	"go/types"
	"net/http"

	"github.com/beamline-go/beamline/generichttp"
	core "github.com/beamline-go/beamline/motion"
	"github.com/beamline-go/beamline/server"
)

// GetMoving returns an http.HandlerFunc reporting if an actuator is moving.
// Actuators without a motion flag are never moving.
func GetMoving(reg *core.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := lookup(reg, w, r)
		if !ok {
			return
		}
		var moving bool
		if m, ok := a.(core.Mover); ok {
			var err error
			moving, err = m.Moving()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		hp := server.HumanPayload{T: types.Bool, Bool: moving}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPMoving adds the moving route to the route table
func HTTPMoving(reg *core.Registry, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/moving"}] = GetMoving(reg)
}
