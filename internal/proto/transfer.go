// Package proto declares the broker's gRPC contract. Messages are protobuf
// well-known types: requests and responses are structpb.Struct and file
// contents travel as wrapperspb.BytesValue chunks.
package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "transferbroker.v1.TransferService"

// TransferServiceServer is served under ServiceDesc.
type TransferServiceServer interface {
	Initialize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmDownload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportScanResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Upload(grpc.ServerStream) error
	Download(*structpb.Struct, grpc.ServerStream) error
}

func unary(name string, call func(TransferServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TransferServiceServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Method(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TransferServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Initialize", TransferServiceServer.Initialize),
		unary("ConfirmDownload", TransferServiceServer.ConfirmDownload),
		unary("Cancel", TransferServiceServer.Cancel),
		unary("GetStatus", TransferServiceServer.GetStatus),
		unary("ReportScanResult", TransferServiceServer.ReportScanResult),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Upload",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(TransferServiceServer).Upload(stream)
			},
			ClientStreams: true,
		},
		{
			StreamName: "Download",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(TransferServiceServer).Download(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "transferbroker/v1/transfer.proto",
}

// Stream descriptors for clients opening the streaming calls.
var (
	UploadStream   = &ServiceDesc.Streams[0]
	DownloadStream = &ServiceDesc.Streams[1]
)

// Method returns the full gRPC method name of a TransferService call.
func Method(name string) string {
	return "/" + ServiceName + "/" + name
}
