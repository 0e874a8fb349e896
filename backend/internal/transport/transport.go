// Package transport abstracts the wire connection between the master and
// a worker (spec §6): IConnection carries remoteStartBuild,
// remoteStartCommand, remoteInterruptCommand, and disconnection
// notifications. The bytes-on-the-wire protocol itself is out of scope
// (spec §1); this package only fixes the interface every other component
// programs against, plus a couple of concrete implementations.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionLost is surfaced to a running step when the worker
// transport drops mid-build (spec §7 ConnectionLost).
var ErrConnectionLost = errors.New("worker connection lost")

// ErrPingTimeout names the spec §7 PingTimeout error kind. This package
// has no Ping operation, and nothing in this module returns it.
var ErrPingTimeout = errors.New("worker ping timed out")

// ErrUnsupportedCommand is returned when a builder requires a command
// kind the negotiated worker protocol version does not support (spec §6
// command-version negotiation).
var ErrUnsupportedCommand = errors.New("worker does not support command")

// CommandKind is the closed set of remote command types a step maps to
// (spec §6).
type CommandKind string

const (
	CommandShell    CommandKind = "shell"
	CommandUpload   CommandKind = "upload"
	CommandDownload CommandKind = "download"
	CommandMkdir    CommandKind = "mkdir"
	CommandRmdir    CommandKind = "rmdir"
	CommandStat     CommandKind = "stat"
	CommandListdir  CommandKind = "listdir"
)

// Command is one remote command invocation. Args is an opaque
// JSON-serializable payload (spec §6); shell commands additionally use
// the v3.3 fields below.
type Command struct {
	ID   string
	Kind CommandKind
	Args map[string]any

	// Shell-specific fields, negotiated protocol version v3.3 (spec §6).
	MaxLines       int
	InterruptSignal string
	SigtermTime    time.Duration
}

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	Results       int // store.Results, kept as int to avoid an import cycle
	FailureReason string
	Log           []byte
}

// DisconnectFunc is invoked exactly once if the connection drops before
// the caller removes its subscription.
type DisconnectFunc func(reason error)

// Subscription cancels a NotifyOnDisconnect registration.
type Subscription interface {
	Unsubscribe()
}

// ProtocolInfo is negotiated once per attach (spec §6: "the master
// negotiates a command-version string with the worker on attach").
type ProtocolInfo struct {
	Version           string // e.g. "3.3"
	SupportedCommands map[CommandKind]bool
}

// Supports reports whether kind is usable on this connection's
// negotiated protocol version.
func (p ProtocolInfo) Supports(kind CommandKind) bool {
	return p.SupportedCommands[kind]
}

// IConnection is the worker transport abstraction every other
// component programs against (spec §6).
type IConnection struct {
	// Protocol is the negotiated command-version info for this worker.
	Protocol ProtocolInfo

	impl connImpl
}

// connImpl is satisfied by concrete transports (FakeConn, grpcconn.Conn).
type connImpl interface {
	RemoteStartBuild(ctx context.Context, builderName string) error
	RemoteStartCommand(ctx context.Context, cmd Command) (CommandResult, error)
	RemoteInterruptCommand(ctx context.Context, commandID string, reason string) error
	NotifyOnDisconnect(fn DisconnectFunc) Subscription
}

// New wraps a concrete transport implementation with its negotiated
// protocol info.
func New(impl connImpl, protocol ProtocolInfo) *IConnection {
	return &IConnection{impl: impl, Protocol: protocol}
}

// RemoteStartBuild is called once per build, before any steps run.
func (c *IConnection) RemoteStartBuild(ctx context.Context, builderName string) error {
	return c.impl.RemoteStartBuild(ctx, builderName)
}

// RemoteStartCommand dispatches one step's command, returning
// ErrUnsupportedCommand without dispatching when
// Protocol.Supports(cmd.Kind) is false.
func (c *IConnection) RemoteStartCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	if !c.Protocol.Supports(cmd.Kind) {
		return CommandResult{}, ErrUnsupportedCommand
	}
	return c.impl.RemoteStartCommand(ctx, cmd)
}

// RemoteInterruptCommand asks the worker to interrupt an in-flight
// command (used by StopBuild and lost-connection handling).
func (c *IConnection) RemoteInterruptCommand(ctx context.Context, commandID, reason string) error {
	return c.impl.RemoteInterruptCommand(ctx, commandID, reason)
}

// NotifyOnDisconnect registers fn to run once if the connection drops.
func (c *IConnection) NotifyOnDisconnect(fn DisconnectFunc) Subscription {
	return c.impl.NotifyOnDisconnect(fn)
}
