package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/dmitrijs2005/transferbroker/internal/logging"
	pb "github.com/dmitrijs2005/transferbroker/internal/proto"
	"github.com/dmitrijs2005/transferbroker/internal/server/services"
)

type GRPCServer struct {
	address   string
	transfers *services.TransferService
	logger    logging.Logger
	jwtSecret []byte
	// scanner is the actor allowed to report malware scan results.
	scanner string
}

var _ pb.TransferServiceServer = (*GRPCServer)(nil)

func NewGRPCServer(a string, l logging.Logger, ts *services.TransferService, secretKey, scannerActor string) (*GRPCServer, error) {
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		transfers: ts,
		jwtSecret: []byte(secretKey),
		scanner:   scannerActor,
	}, nil
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.loggingInterceptor, s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamLoggingInterceptor, s.streamAccessTokenInterceptor),
	)
	srv.RegisterService(&pb.ServiceDesc, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.serve(ctx, listen)
}

func (s *GRPCServer) serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(context.WithoutCancel(ctx), "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}
	return nil
}
