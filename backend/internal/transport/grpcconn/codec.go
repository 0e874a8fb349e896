// Package grpcconn is a gRPC-backed transport.IConnection implementation,
// grounded on cluster/cluster.go's grpc.Server bind/serve/graceful-stop
// lifecycle and cluster/forward.go's hand-written grpc.ServiceDesc
// pattern ("register manually rather than using protoc-gen-go-grpc to
// avoid generating unused stubs"). No worker-control .proto exists in
// the retrieval pack, so request/response types here are plain Go
// structs carried by a small JSON codec registered under the
// "jsonrpc" content-subtype instead of the default proto codec.
package grpcconn

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "jsonrpc"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshaling with encoding/json,
// standing in for the protoc-generated codec the teacher's cluster
// service normally relies on.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }
