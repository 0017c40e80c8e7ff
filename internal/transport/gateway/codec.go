package gateway

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered with google.golang.org/grpc/encoding so the
// Gateway can exchange plain Go structs over gRPC without a protoc
// toolchain (spec.md §4.6; see DESIGN.md's "Dropped teacher
// dependencies" entry for connectrpc.com/connect).
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
