package grpcconn

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"gastrolog-ci/internal/transport"
)

// Wire request/response shapes. Plain structs rather than proto.Message:
// the jsonCodec (codec.go) marshals these directly.
type startBuildReq struct{ BuilderName string }
type startBuildResp struct{}

type wireCommand struct {
	ID              string
	Kind            string
	Args            map[string]any
	MaxLines        int
	InterruptSignal string
	SigtermMs       int64
}

type startCommandReq struct{ Command wireCommand }
type startCommandResp struct {
	Results       int
	FailureReason string
	Log           []byte
}

type interruptReq struct {
	CommandID string
	Reason    string
}
type interruptResp struct{}

func toWire(cmd transport.Command) wireCommand {
	return wireCommand{
		ID:              cmd.ID,
		Kind:            string(cmd.Kind),
		Args:            cmd.Args,
		MaxLines:        cmd.MaxLines,
		InterruptSignal: cmd.InterruptSignal,
		SigtermMs:       cmd.SigtermTime.Milliseconds(),
	}
}

func fromWire(w wireCommand) transport.Command {
	return transport.Command{
		ID:              w.ID,
		Kind:            transport.CommandKind(w.Kind),
		Args:            w.Args,
		MaxLines:        w.MaxLines,
		InterruptSignal: w.InterruptSignal,
		SigtermTime:     time.Duration(w.SigtermMs) * time.Millisecond,
	}
}

// workerServiceServer is the interface the gRPC runtime type-checks
// registered handlers against (cluster/forward.go's clusterServiceServer
// pattern, generalized from the cluster port to the worker-control port).
type workerServiceServer interface {
	startBuild(context.Context, *startBuildReq) (*startBuildResp, error)
	startCommand(context.Context, *startCommandReq) (*startCommandResp, error)
	interrupt(context.Context, *interruptReq) (*interruptResp, error)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: "gastrologci.v1.Worker",
	HandlerType: (*workerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartBuild", Handler: startBuildHandler},
		{MethodName: "StartCommand", Handler: startCommandHandler},
		{MethodName: "Interrupt", Handler: interruptHandler},
	},
}

func startBuildHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &startBuildReq{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(workerServiceServer)
	if interceptor == nil {
		return s.startBuild(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gastrologci.v1.Worker/StartBuild"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.startBuild(ctx, req.(*startBuildReq))
	}
	return interceptor(ctx, req, info, handler)
}

func startCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &startCommandReq{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(workerServiceServer)
	if interceptor == nil {
		return s.startCommand(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gastrologci.v1.Worker/StartCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.startCommand(ctx, req.(*startCommandReq))
	}
	return interceptor(ctx, req, info, handler)
}

func interruptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &interruptReq{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(workerServiceServer)
	if interceptor == nil {
		return s.interrupt(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gastrologci.v1.Worker/Interrupt"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.interrupt(ctx, req.(*interruptReq))
	}
	return interceptor(ctx, req, info, handler)
}
