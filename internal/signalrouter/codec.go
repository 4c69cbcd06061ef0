package signalrouter

import (
	"encoding/json"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

func decodeRoute(data []byte) (wire.RouteInfo, error) {
	var route wire.RouteInfo
	err := json.Unmarshal(data, &route)
	return route, err
}
