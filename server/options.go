package server

import (
	"time"

	"github.com/cyberinferno/raptor/connid"
	"github.com/cyberinferno/raptor/logger"
	"github.com/cyberinferno/raptor/protocol"
	"github.com/cyberinferno/raptor/registry"
)

// Service receives the server's application callbacks. All three methods are
// invoked serially from the single dispatch goroutine; a blocking callback
// delays further dispatch but never connection I/O. Callbacks may call back
// into the server (Send, CloseConnection, the per-connection accessors) but
// must not call Shutdown.
type Service interface {
	// OnConnected announces an accepted connection, before any of its
	// messages.
	OnConnected(cid connid.ConnectionId)

	// OnMessageReceived delivers one framed application message. The msg
	// slice is owned by the callee only for the duration of the call.
	OnMessageReceived(cid connid.ConnectionId, msg []byte)

	// OnClosed announces that a connection is gone. At most once per cid,
	// after its last message.
	OnClosed(cid connid.ConnectionId)
}

// Options configures a server instance.
type Options struct {
	// MaxConnections caps concurrently established connections. Accepts
	// beyond the cap are shut down immediately. <= 0 selects
	// DefaultMaxConnections.
	MaxConnections int

	// ConnectionTimeout evicts a connection with no successful I/O for this
	// long. Granularity is one second. <= 0 selects DefaultConnectionTimeout.
	ConnectionTimeout time.Duration

	// CheckingInterval is the period of the engine's checking event that
	// drives the timeout sweep. <= 0 selects one second. Mainly a test knob;
	// the sweep itself is additionally rate-limited.
	CheckingInterval time.Duration

	// Protocol frames messages on every connection. nil selects the default
	// length-prefixed codec.
	Protocol protocol.Protocol

	// Logger receives server diagnostics. nil discards them.
	Logger logger.Logger

	// Registry, when set, observes connection lifecycle transitions from the
	// dispatch path.
	Registry registry.Registry
}

// Defaults applied by Server.Init.
const (
	DefaultMaxConnections    = 10000
	DefaultConnectionTimeout = 60 * time.Second
)

// withDefaults returns a copy of o with unset fields filled in.
func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.CheckingInterval <= 0 {
		o.CheckingInterval = time.Second
	}
	if o.Protocol == nil {
		o.Protocol = protocol.NewLengthPrefix(0)
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// timeoutSeconds is the idle timeout in whole seconds, at least one.
func (o Options) timeoutSeconds() int64 {
	secs := int64(o.ConnectionTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
