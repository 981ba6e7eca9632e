// Package connection implements the per-connection state machine: it owns a
// socket, accumulates the inbound byte stream, cuts it into packages with
// the configured protocol, and queues outbound frames for the engine's send
// driver. A Connection never talks to the application directly; every
// message and its own closure are announced through the Transfer interface,
// which the server implements by posting event records to the dispatch
// queue.
package connection

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/raptor/connid"
	"github.com/cyberinferno/raptor/logger"
	"github.com/cyberinferno/raptor/protocol"
)

var (
	// ErrOffline is returned by send operations on a closed connection.
	ErrOffline = errors.New("connection: offline")

	// ErrNoProtocol is returned by send operations before SetProtocol.
	ErrNoProtocol = errors.New("connection: no protocol configured")
)

// Transfer receives a connection's notifications. Implementations must not
// block: they are called from the connection's I/O paths.
type Transfer interface {
	// OnDataReceived announces one complete application message. The payload
	// is owned by the receiver.
	OnDataReceived(cid connid.ConnectionId, payload []byte)

	// OnConnectionClosed announces that the connection shut down with
	// notification requested. Called at most once per connection.
	OnConnectionClosed(cid connid.ConnectionId)
}

// readChunkSize is the scratch buffer for a single socket read.
const readChunkSize = 8 << 10

// userDataBox wraps user values so atomic.Value tolerates nil and mixed
// concrete types.
type userDataBox struct{ v any }

// Connection is one live TCP connection. Created by the server on accept and
// destroyed on error, timeout, explicit close or server shutdown. The
// receive path (DoRecvEvent) and send flush (DoSendEvent) are each driven by
// a single engine goroutine; Send and the accessors may be called from any
// goroutine.
type Connection struct {
	transfer Transfer
	log      logger.Logger

	cid   connid.ConnectionId
	sock  net.Conn
	addr  *net.TCPAddr
	proto protocol.Protocol

	recvBuf []byte
	chunk   [readChunkSize]byte

	sendMu sync.Mutex
	sendQ  net.Buffers
	wake   chan struct{}
	done   chan struct{}

	online   atomic.Bool
	userData atomic.Value
	extend   atomic.Uint64
}

// New creates a connection bound to its notification sink.
//
// Parameters:
//   - transfer: Sink for message and closure notifications
//   - log: Logger for connection-level failures
//
// Returns:
//   - A *Connection; call Init before use
func New(transfer Transfer, log logger.Logger) *Connection {
	if log == nil {
		log = logger.Nop()
	}
	return &Connection{transfer: transfer, log: log}
}

// Init attaches the connection to an accepted socket and marks it online.
//
// Parameters:
//   - cid: The handle minted for this connection's slot
//   - sock: The accepted socket; the connection takes ownership
//   - addr: The peer address
func (c *Connection) Init(cid connid.ConnectionId, sock net.Conn, addr *net.TCPAddr) {
	c.cid = cid
	c.sock = sock
	c.addr = addr
	c.recvBuf = nil
	c.wake = make(chan struct{}, 1)
	c.done = make(chan struct{})
	c.online.Store(true)
}

// SetProtocol configures the framing codec. Must be called before the first
// I/O event.
func (c *Connection) SetProtocol(p protocol.Protocol) {
	c.proto = p
}

// Id returns the connection's handle.
func (c *Connection) Id() connid.ConnectionId { return c.cid }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() *net.TCPAddr { return c.addr }

// IsOnline reports whether the connection has not been shut down.
func (c *Connection) IsOnline() bool { return c.online.Load() }

// Wake is the send-driver signal: it receives after Send queues data.
func (c *Connection) Wake() <-chan struct{} { return c.wake }

// Done is closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Sock returns the underlying socket for engine registration.
func (c *Connection) Sock() net.Conn { return c.sock }

// Shutdown closes the socket and discards queued outbound data. Idempotent; only
// the first call has any effect.
//
// Parameters:
//   - notify: true announces the closure through Transfer.OnConnectionClosed
func (c *Connection) Shutdown(notify bool) {
	if !c.online.CompareAndSwap(true, false) {
		return
	}

	_ = c.sock.Close()
	close(c.done)

	c.sendMu.Lock()
	c.sendQ = nil
	c.sendMu.Unlock()

	if notify {
		c.transfer.OnConnectionClosed(c.cid)
	}
}

// DoRecvEvent performs one blocking read and parses every complete package
// that has accumulated. Each package's payload is handed to
// Transfer.OnDataReceived in stream order.
//
// Returns:
//   - false when the peer closed, the read failed, or a package was
//     malformed; the caller must evict the connection
func (c *Connection) DoRecvEvent() bool {
	n, err := c.sock.Read(c.chunk[:])
	if n > 0 {
		c.recvBuf = append(c.recvBuf, c.chunk[:n]...)
		if !c.parsePackages() {
			return false
		}
	}
	if err != nil {
		return false
	}
	return true
}

// parsePackages cuts complete packages off the head of recvBuf.
func (c *Connection) parsePackages() bool {
	for len(c.recvBuf) > 0 {
		header := c.recvBuf
		if max := c.proto.MaxHeaderSize(); len(header) > max {
			header = header[:max]
		}

		packLen := c.proto.CheckPackageLength(header)
		if packLen == protocol.ErrorLength {
			c.log.Error("malformed package header", logger.Field{Key: "cid", Value: uint64(c.cid)})
			return false
		}
		if packLen == protocol.NeedMoreData || len(c.recvBuf) < packLen {
			return true
		}

		payload, err := c.proto.Unpack(c.recvBuf[:packLen])
		if err != nil {
			c.log.Error("package unpack failed",
				logger.Field{Key: "cid", Value: uint64(c.cid)},
				logger.Field{Key: "error", Value: err})
			return false
		}

		// The event record owns its payload; recvBuf is about to be reused.
		out := make([]byte, len(payload))
		copy(out, payload)
		c.transfer.OnDataReceived(c.cid, out)

		c.recvBuf = c.recvBuf[packLen:]
	}
	c.recvBuf = nil
	return true
}

// Send frames data with the configured protocol and queues it for the send
// driver.
//
// Parameters:
//   - data: The application payload
//
// Returns:
//   - An error if the connection is offline or framing failed
func (c *Connection) Send(data []byte) error {
	return c.SendWithHeader(nil, data)
}

// SendWithHeader frames an application header and payload as one logical
// package.
//
// Parameters:
//   - hdr: Application-level header bytes, may be nil
//   - data: The application payload
//
// Returns:
//   - An error if the connection is offline or framing failed
func (c *Connection) SendWithHeader(hdr, data []byte) error {
	if !c.online.Load() {
		return ErrOffline
	}
	if c.proto == nil {
		return ErrNoProtocol
	}

	payload := data
	if len(hdr) > 0 {
		payload = make([]byte, 0, len(hdr)+len(data))
		payload = append(payload, hdr...)
		payload = append(payload, data...)
	}

	packed, err := c.proto.Pack(payload)
	if err != nil {
		return err
	}
	wireHdr, err := c.proto.BuildPackageHeader(len(packed))
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	c.sendQ = append(c.sendQ, wireHdr, packed)
	c.sendMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// DoSendEvent flushes the queued outbound frames to the socket. Only the
// engine's single send driver calls it.
//
// Returns:
//   - false when the write failed; the caller must evict the connection
func (c *Connection) DoSendEvent() bool {
	c.sendMu.Lock()
	bufs := c.sendQ
	c.sendQ = nil
	c.sendMu.Unlock()

	if len(bufs) == 0 {
		return c.online.Load()
	}

	if _, err := bufs.WriteTo(c.sock); err != nil {
		c.log.Debug("send failed",
			logger.Field{Key: "cid", Value: uint64(c.cid)},
			logger.Field{Key: "error", Value: err})
		return false
	}
	return true
}

// SetUserData attaches an opaque caller value to the connection. The value
// is not interpreted.
func (c *Connection) SetUserData(v any) {
	c.userData.Store(userDataBox{v})
}

// GetUserData returns the value set with SetUserData, or nil.
func (c *Connection) GetUserData() any {
	if box, ok := c.userData.Load().(userDataBox); ok {
		return box.v
	}
	return nil
}

// SetExtendInfo attaches a 64-bit caller scratch value.
func (c *Connection) SetExtendInfo(v uint64) {
	c.extend.Store(v)
}

// GetExtendInfo returns the value set with SetExtendInfo.
func (c *Connection) GetExtendInfo() uint64 {
	return c.extend.Load()
}
