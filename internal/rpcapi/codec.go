//go:build grpc

package rpcapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the RPC surface exchange plain Go structs over gRPC
// without a protoc-generated message set (spec section 4.G: this
// environment never invokes protoc). Registering it under the name
// "json" makes it selectable per-call via grpc.CallContentSubtype("json")
// on the client and is picked up automatically server-side from the
// incoming "application/grpc+json" content-type.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
