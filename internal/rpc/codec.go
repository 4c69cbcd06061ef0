// Package rpc carries the gRPC transport between the Global Scheduler
// and the Domain/Local schedulers it manages. There is no
// protoc toolchain available in this environment to generate .pb.go
// stubs (see DESIGN.md), so the envelope is real gRPC framing
// (google.golang.org/grpc) carrying JSON-encoded payload bytes via a
// custom codec registered under the "json" content-subtype, the same
// codec-substitution trick used by generic gRPC proxies. Business
// logic in internal/schedmgr, internal/globalsched, and
// internal/dispatch talks only to the Client/Server interfaces below;
// it never touches grpc.ClientConn directly.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec by marshaling through
// encoding/json instead of protobuf's generated marshalers.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
