//go:build grpc

package rpcapi

import (
	"context"

	"google.golang.org/grpc"
)

// NoteRPCServiceServer is the hand-written analogue of a protoc-gen-go-grpc
// server interface; *Service implements it directly.
type NoteRPCServiceServer interface {
	Get(context.Context, *GetRequest) (*NoteMessage, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	Edit(NoteRPCService_EditServer) error
}

// NoteRPCService_EditServer is the bidi-streaming server-side handle
// Edit reads/writes EditFrame values through.
type NoteRPCService_EditServer interface {
	grpc.ServerStream
}

func noteRPCServiceGetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NoteRPCServiceServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/collabcore.notes.v1.NoteRPCService/Get"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NoteRPCServiceServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func noteRPCServiceSearchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SearchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NoteRPCServiceServer).Search(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/collabcore.notes.v1.NoteRPCService/Search"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NoteRPCServiceServer).Search(ctx, req.(*SearchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func noteRPCServiceEditHandler(srv any, stream grpc.ServerStream) error {
	return srv.(NoteRPCServiceServer).Edit(stream)
}

// NoteRPCService_ServiceDesc is registered with grpc.Server in place of a
// protoc-generated _ServiceDesc.
var NoteRPCService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "collabcore.notes.v1.NoteRPCService",
	HandlerType: (*NoteRPCServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: noteRPCServiceGetHandler},
		{MethodName: "Search", Handler: noteRPCServiceSearchHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Edit", Handler: noteRPCServiceEditHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "internal/rpcapi/service.go",
}

// RegisterNoteRPCServiceServer registers srv with s the way a
// protoc-generated RegisterXServer function would.
func RegisterNoteRPCServiceServer(s grpc.ServiceRegistrar, srv NoteRPCServiceServer) {
	s.RegisterService(&NoteRPCService_ServiceDesc, srv)
}
