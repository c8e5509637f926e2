package streamapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec is the process-wide wire codec for the hand-registered gRPC
// service: message types are plain Go structs (no protobuf toolchain is
// available), so the wire format is JSON registered under the name the
// teacher's grpc client stack already expects for a non-proto codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("streamapi: json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

const codecName = "proto"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
