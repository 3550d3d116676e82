package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the daemon control API.
const ServiceName = "isync.v1.Control"

// ControlServer is the server side of the control API. Every message is a
// google.protobuf.Struct carrying one of the request or response types in
// this package.
type ControlServer interface {
	SaveDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUnsynced(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRejected(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Requeue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SaveDocument", ControlServer.SaveDocument),
		unary("ListUnsynced", ControlServer.ListUnsynced),
		unary("ListRejected", ControlServer.ListRejected),
		unary("Requeue", ControlServer.Requeue),
		unary("TriggerSync", ControlServer.TriggerSync),
		unary("RunSync", ControlServer.RunSync),
		unary("SendMessage", ControlServer.SendMessage),
		unary("ListMessages", ControlServer.ListMessages),
		unary("MarkRead", ControlServer.MarkRead),
		unary("Connect", ControlServer.Connect),
		unary("Disconnect", ControlServer.Disconnect),
		unary("Status", ControlServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ControlServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "isync/v1/control.proto",
}

// Register adds the control service to s.
func Register(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// encode converts a request or response value to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// decode fills v from a Struct produced by encode.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
