package streamapi

import (
	"encoding/json"

	"github.com/arwlocal/runtime/internal/app/core"
)

// Message types of the hand-registered gRPC service, mirroring the messages
// in api/proto/stream.proto. The HTTP handlers decode their own request
// bodies and do not use these types.

type HealthzRequest struct{}

type HealthzResponse struct {
	OK bool `json:"ok"`
}

type SubmitActionRequest struct {
	Kind    string          `json:"kind"`
	Input   json.RawMessage `json:"input"`
	IdemKey string          `json:"idem_key,omitempty"`
}

type SubmitActionResponse struct {
	ID     string `json:"id"`
	Reused bool   `json:"reused,omitempty"`
}

type GetActionRequest struct {
	ID string `json:"id"`
}

type GetActionResponse struct {
	Action core.Action `json:"action"`
}

type StreamEventsRequest struct {
	Prefix string `json:"prefix,omitempty"`
	After  int64  `json:"after,omitempty"`
	Replay int    `json:"replay,omitempty"`
}
