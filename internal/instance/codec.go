package instance

import (
	"encoding/json"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

// encodeInstanceInfo/decodeInstanceInfo serialize InstanceInfo for the
// store. Real protobuf framing
// would need a protoc-generated message; without that toolchain
// available here, JSON-in-bytes is used instead (see DESIGN.md) — the
// store treats values as opaque []byte regardless of format.
func encodeInstanceInfo(info wire.InstanceInfo) []byte {
	b, err := json.Marshal(info)
	if err != nil {
		panic("instance: InstanceInfo must always be JSON-encodable: " + err.Error())
	}
	return b
}

func decodeInstanceInfo(data []byte) (wire.InstanceInfo, error) {
	var info wire.InstanceInfo
	err := json.Unmarshal(data, &info)
	return info, err
}
