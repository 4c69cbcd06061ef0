package dispatch

import (
	"encoding/json"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

func encodeRoute(route wire.RouteInfo) ([]byte, error) {
	return json.Marshal(route)
}
