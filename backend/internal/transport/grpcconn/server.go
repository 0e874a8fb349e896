package grpcconn

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"gastrolog-ci/internal/transport"
)

// Backend is implemented by whatever runs on the worker side of the
// connection. Worker-side command execution is out of scope for this
// core (spec §1); Backend exists only so tests can stand up a real gRPC
// server without a worker binary, exercising the same wire path a
// production worker would.
type Backend interface {
	StartBuild(ctx context.Context, builderName string) error
	StartCommand(ctx context.Context, cmd transport.Command) (transport.CommandResult, error)
	Interrupt(ctx context.Context, commandID, reason string) error
}

// Server hosts a Backend behind the worker-control gRPC service,
// grounded on cluster.Server's bind-then-serve lifecycle.
type Server struct {
	grpcSrv  *grpc.Server
	listener net.Listener
	backend  Backend
}

var _ workerServiceServer = (*Server)(nil)

// NewServer binds addr and registers backend behind the worker service.
func NewServer(addr string, backend Backend) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen worker port %s: %w", addr, err)
	}
	s := &Server{listener: ln, backend: backend}
	s.grpcSrv = grpc.NewServer()
	s.grpcSrv.RegisterService(&workerServiceDesc, s)
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks, accepting connections until Stop is called.
func (s *Server) Serve() error { return s.grpcSrv.Serve(s.listener) }

// Stop gracefully shuts the server down.
func (s *Server) Stop() { s.grpcSrv.GracefulStop() }

func (s *Server) startBuild(ctx context.Context, req *startBuildReq) (*startBuildResp, error) {
	if err := s.backend.StartBuild(ctx, req.BuilderName); err != nil {
		return nil, err
	}
	return &startBuildResp{}, nil
}

func (s *Server) startCommand(ctx context.Context, req *startCommandReq) (*startCommandResp, error) {
	res, err := s.backend.StartCommand(ctx, fromWire(req.Command))
	if err != nil {
		return nil, err
	}
	return &startCommandResp{Results: res.Results, FailureReason: res.FailureReason, Log: res.Log}, nil
}

func (s *Server) interrupt(ctx context.Context, req *interruptReq) (*interruptResp, error) {
	if err := s.backend.Interrupt(ctx, req.CommandID, req.Reason); err != nil {
		return nil, err
	}
	return &interruptResp{}, nil
}
