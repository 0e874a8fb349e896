package grpcconn

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"gastrolog-ci/internal/transport"
)

// Conn is a gRPC-backed transport.IConnection implementation.
type Conn struct {
	cc *grpc.ClientConn

	mu         sync.Mutex
	disconnect []transport.DisconnectFunc
}

// Dial connects to a worker's control port and returns a Conn usable as
// the impl behind transport.New.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	c := &Conn{cc: cc}
	go c.watchState()
	return c, nil
}

// watchState fires every registered disconnect callback once the
// underlying ClientConn transitions to TransientFailure or Shutdown.
func (c *Conn) watchState() {
	state := c.cc.GetState()
	for c.cc.WaitForStateChange(context.Background(), state) {
		state = c.cc.GetState()
		if state.String() == "TRANSIENT_FAILURE" || state.String() == "SHUTDOWN" {
			c.fireDisconnect(transport.ErrConnectionLost)
			return
		}
	}
}

func (c *Conn) fireDisconnect(reason error) {
	c.mu.Lock()
	cbs := c.disconnect
	c.disconnect = nil
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(reason)
	}
}

func (c *Conn) RemoteStartBuild(ctx context.Context, builderName string) error {
	var resp startBuildResp
	return c.cc.Invoke(ctx, "/gastrologci.v1.Worker/StartBuild", &startBuildReq{BuilderName: builderName}, &resp)
}

func (c *Conn) RemoteStartCommand(ctx context.Context, cmd transport.Command) (transport.CommandResult, error) {
	var resp startCommandResp
	req := &startCommandReq{Command: toWire(cmd)}
	if err := c.cc.Invoke(ctx, "/gastrologci.v1.Worker/StartCommand", req, &resp); err != nil {
		return transport.CommandResult{}, err
	}
	return transport.CommandResult{Results: resp.Results, FailureReason: resp.FailureReason, Log: resp.Log}, nil
}

func (c *Conn) RemoteInterruptCommand(ctx context.Context, commandID, reason string) error {
	var resp interruptResp
	req := &interruptReq{CommandID: commandID, Reason: reason}
	return c.cc.Invoke(ctx, "/gastrologci.v1.Worker/Interrupt", req, &resp)
}

func (c *Conn) NotifyOnDisconnect(fn transport.DisconnectFunc) transport.Subscription {
	c.mu.Lock()
	c.disconnect = append(c.disconnect, fn)
	c.mu.Unlock()
	return connSub{}
}

// Close tears down the underlying ClientConn.
func (c *Conn) Close() error { return c.cc.Close() }

type connSub struct{}

func (connSub) Unsubscribe() {}
