// Package admin exposes a local gRPC control surface for chatd over a unix
// socket. Messages are protobuf well-known types, so no generated code is
// needed on either side.
package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatd.admin.v1.Admin"

// AdminServer is the server API for the admin service.
type AdminServer interface {
	// GetPresence returns {userID: online} for every user seen since start.
	GetPresence(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// GetStats returns hub counters merged with store row counts.
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetUnreadCount(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
	// WatchEvents streams bus events whose kind starts with the given prefix.
	WatchEvents(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

func unary[Req, Res any](method string, call func(AdminServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, icpt grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			}
			if icpt == nil {
				return h(ctx, in)
			}
			return icpt(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}, h)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetPresence", AdminServer.GetPresence),
		unary("GetStats", AdminServer.GetStats),
		unary("GetUnreadCount", AdminServer.GetUnreadCount),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(wrapperspb.StringValue)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(AdminServer).WatchEvents(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
			},
		},
	},
	Metadata: "chatd/admin/v1/admin.proto",
}

// RegisterAdminServer registers impl on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, impl AdminServer) {
	s.RegisterService(&ServiceDesc, impl)
}
