package streamapi

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/apperr"
	"github.com/arwlocal/runtime/internal/app/bus"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/pipeline"
	"github.com/arwlocal/runtime/internal/app/storage"
)

// StreamEvents_Server is the server-side handle StreamEvents uses to send
// events; it is satisfied by grpc.ServerStream plus a typed Send.
type StreamEvents_Server interface {
	grpc.ServerStream
	Send(*core.Event) error
}

// Server implements the four RPCs with semantics identical to the HTTP/SSE
// paths: Healthz, SubmitAction, GetAction, StreamEvents.
type Server struct {
	store    storage.ActionStore
	pipeline *pipeline.Pipeline
	bus      *bus.Bus
	ids      *idCache
	log      *alog.Logger
}

// NewServer builds the gRPC mirror over the same store/pipeline/bus the
// HTTP handlers use.
func NewServer(store storage.ActionStore, pl *pipeline.Pipeline, b *bus.Bus, log *alog.Logger) *Server {
	return &Server{store: store, pipeline: pl, bus: b, ids: newIDCache(4096), log: log}
}

func (s *Server) Healthz(ctx context.Context, _ *HealthzRequest) (*HealthzResponse, error) {
	return &HealthzResponse{OK: true}, nil
}

// SubmitAction maps apperr codes to gRPC status codes per §4.8:
// KernelDisabled -> FAILED_PRECONDITION, PolicyDenied -> PERMISSION_DENIED,
// QueueFull -> RESOURCE_EXHAUSTED, Internal -> INTERNAL. Every status
// carries only the apperr message; the PERMISSION_DENIED status has no
// details attached, so the required capability and explain map are not
// sent to the client.
func (s *Server) SubmitAction(ctx context.Context, req *SubmitActionRequest) (*SubmitActionResponse, error) {
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "kernel store is disabled")
	}
	result, err := s.pipeline.Submit(ctx, pipeline.SubmitRequest{Kind: req.Kind, Input: req.Input, IdemKey: req.IdemKey})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &SubmitActionResponse{ID: result.ID, Reused: result.Reused}, nil
}

func (s *Server) GetAction(ctx context.Context, req *GetActionRequest) (*GetActionResponse, error) {
	if s.store == nil {
		return nil, status.Error(codes.FailedPrecondition, "kernel store is disabled")
	}
	action, err := s.store.GetAction(ctx, req.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "action %s not found", req.ID)
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &GetActionResponse{Action: action}, nil
}

// StreamEvents mirrors the SSE pipeline: an optional replay of historical
// rows followed by a live, prefix-filtered tail.
func (s *Server) StreamEvents(req *StreamEventsRequest, stream StreamEvents_Server) error {
	if s.bus == nil {
		return status.Error(codes.FailedPrecondition, "kernel store is disabled")
	}
	ctx := stream.Context()

	if req.After > 0 || req.Replay > 0 {
		limit := req.Replay
		if limit <= 0 {
			limit = 100
		}
		historical, err := s.bus.Since(ctx, req.After, limit)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		for _, event := range historical {
			if req.Prefix != "" && !hasPrefix(event.Kind, req.Prefix) {
				continue
			}
			if err := stream.SendMsg(&event); err != nil {
				return err
			}
		}
	}

	sub := s.bus.Subscribe(req.Prefix)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&event); err != nil {
				return err
			}
		}
	}
}

func toGRPCError(err error) error {
	appErr, ok := apperr.As(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch appErr.Code {
	case apperr.CodeKernelDisabled:
		return status.Error(codes.FailedPrecondition, appErr.Message)
	case apperr.CodePolicyDenied:
		st := status.New(codes.PermissionDenied, appErr.Message)
		return st.Err()
	case apperr.CodeQueueFull:
		return status.Error(codes.ResourceExhausted, appErr.Message)
	case apperr.CodeNotFound:
		return status.Error(codes.NotFound, appErr.Message)
	case apperr.CodeBadRequest:
		return status.Error(codes.InvalidArgument, appErr.Message)
	default:
		return status.Error(codes.Internal, appErr.Message)
	}
}
