package streamapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/arwlocal/runtime/internal/app/core"
)

// ServiceServer is the interface grpc.RegisterService type-asserts a
// registered implementation against (*Server satisfies it); hand-written in
// place of a protoc-generated *_grpc.pb.go.
type ServiceServer interface {
	Healthz(context.Context, *HealthzRequest) (*HealthzResponse, error)
	SubmitAction(context.Context, *SubmitActionRequest) (*SubmitActionResponse, error)
	GetAction(context.Context, *GetActionRequest) (*GetActionResponse, error)
	StreamEvents(*StreamEventsRequest, StreamEvents_Server) error
}

var _ ServiceServer = (*Server)(nil)

// eventsServerStream adapts grpc.ServerStream to the typed Send(*core.Event)
// StreamEvents_Server expects, mirroring what protoc would generate.
type eventsServerStream struct {
	grpc.ServerStream
}

func (s *eventsServerStream) Send(event *core.Event) error {
	return s.ServerStream.SendMsg(event)
}

func healthzHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthzRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ServiceServer).Healthz(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Healthz"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ServiceServer).Healthz(ctx, req.(*HealthzRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func submitActionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitActionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ServiceServer).SubmitAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/SubmitAction"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ServiceServer).SubmitAction(ctx, req.(*SubmitActionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getActionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetActionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ServiceServer).GetAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/GetAction"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ServiceServer).GetAction(ctx, req.(*GetActionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(StreamEventsRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ServiceServer).StreamEvents(req, &eventsServerStream{ServerStream: stream})
}

// ServiceName is the hand-assigned RPC service name (stands in for the
// package.Service name a .proto would declare).
const ServiceName = "arw.runtime.v1.Stream"

// ServiceDesc is registered against a *grpc.Server via grpc.RegisterService
// in place of protoc-generated registration code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Healthz", Handler: healthzHandler},
		{MethodName: "SubmitAction", Handler: submitActionHandler},
		{MethodName: "GetAction", Handler: getActionHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "api/proto/stream.proto",
}

// RegisterServer registers s on grpcServer using ServiceDesc.
func RegisterServer(grpcServer *grpc.Server, s *Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}
