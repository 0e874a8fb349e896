package transport

import (
	"context"
	"sync"
)

// Handler executes one command and returns its result. Tests supply a
// Handler to drive FakeConn without a real worker process.
type Handler func(ctx context.Context, cmd Command) (CommandResult, error)

// FakeConn is an in-memory connImpl for tests and for simulating worker
// behavior in scenarios (spec §8) without a network round-trip. It is
// not a production execution path: spec §1 places executing steps on
// the master itself out of scope, and FakeConn still goes through the
// same IConnection seam buildrunner uses for a real worker.
type FakeConn struct {
	mu         sync.Mutex
	handler    Handler
	disconnect []DisconnectFunc
	lost       bool
}

// NewFake builds a FakeConn driven by handler. A nil handler always
// succeeds with ResultsSuccess (0).
func NewFake(handler Handler) *FakeConn {
	if handler == nil {
		handler = func(ctx context.Context, cmd Command) (CommandResult, error) {
			return CommandResult{}, nil
		}
	}
	return &FakeConn{handler: handler}
}

func (f *FakeConn) RemoteStartBuild(ctx context.Context, builderName string) error {
	return nil
}

func (f *FakeConn) RemoteStartCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	f.mu.Lock()
	lost := f.lost
	f.mu.Unlock()
	if lost {
		return CommandResult{}, ErrConnectionLost
	}
	return f.handler(ctx, cmd)
}

func (f *FakeConn) RemoteInterruptCommand(ctx context.Context, commandID, reason string) error {
	return nil
}

func (f *FakeConn) NotifyOnDisconnect(fn DisconnectFunc) Subscription {
	f.mu.Lock()
	f.disconnect = append(f.disconnect, fn)
	f.mu.Unlock()
	return fakeSub{}
}

// Drop simulates a transport-level disconnect: subsequent commands fail
// with ErrConnectionLost and every NotifyOnDisconnect callback fires.
func (f *FakeConn) Drop(reason error) {
	f.mu.Lock()
	if f.lost {
		f.mu.Unlock()
		return
	}
	f.lost = true
	cbs := f.disconnect
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(reason)
	}
}

type fakeSub struct{}

func (fakeSub) Unsubscribe() {}
