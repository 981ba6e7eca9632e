// Package client provides the outbound counterpart of the server: an
// event-driven TCP client that frames messages with the same pluggable
// protocol and reports connection state, messages and closure to registered
// handlers.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/raptor/logger"
	"github.com/cyberinferno/raptor/protocol"
)

var (
	// ErrNotConnected is returned by Send before Connect or after close.
	ErrNotConnected = errors.New("client: not connected")

	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("client: already connected")

	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("client: closed")
)

// Handler receives the client's events. OnMessageReceived and OnClosed are
// invoked from the client's read goroutine; OnConnected from the goroutine
// calling Connect.
type Handler interface {
	// OnConnected fires after the connection is established.
	OnConnected(c *Client)

	// OnMessageReceived delivers one framed message. The msg slice is owned
	// by the callee only for the duration of the call.
	OnMessageReceived(c *Client, msg []byte)

	// OnClosed fires exactly once when the connection is gone. err is nil
	// for a locally initiated close or clean remote shutdown.
	OnClosed(c *Client, err error)
}

// Config holds client settings.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string

	// DialTimeout bounds connection establishment; 0 means no timeout.
	DialTimeout time.Duration

	// WriteTimeout bounds each Send; 0 means no timeout.
	WriteTimeout time.Duration

	// Protocol frames messages; nil selects the default length-prefixed
	// codec. Must match the server's protocol.
	Protocol protocol.Protocol

	// Logger receives client diagnostics. nil discards them.
	Logger logger.Logger
}

// DefaultConfig returns a Config with defaults for the given address:
// 10-second dial and write timeouts and the default codec.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A Config ready to pass to New
func DefaultConfig(address string) Config {
	return Config{
		Address:      address,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// readChunkSize is the scratch buffer for a single socket read.
const readChunkSize = 8 << 10

// Client is an outbound framed TCP connection. Safe for concurrent use.
type Client struct {
	cfg     Config
	handler Handler
	log     logger.Logger
	proto   protocol.Protocol

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a client delivering events to handler.
//
// Parameters:
//   - cfg: Client settings (e.g. from DefaultConfig)
//   - handler: The event sink; must not be nil
//
// Returns:
//   - A new *Client; call Connect to establish the connection
func New(cfg Config, handler Handler) *Client {
	if cfg.Protocol == nil {
		cfg.Protocol = protocol.NewLengthPrefix(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		log:     cfg.Logger,
		proto:   cfg.Protocol,
	}
}

// Connect dials the configured address and starts the read loop.
//
// Returns:
//   - An error if the client is closed, already connected, or the dial
//     failed
func (c *Client) Connect() error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.cfg.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.handler.OnConnected(c)

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Send frames data with the configured protocol and writes it to the
// connection.
//
// Parameters:
//   - data: The application payload
//
// Returns:
//   - An error if not connected, framing failed, or the write failed
func (c *Client) Send(data []byte) error {
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
//   - An error if not connected, framing failed, or the write failed
func (c *Client) SendWithHeader(hdr, data []byte) error {
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

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}

	bufs := net.Buffers{wireHdr, packed}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the client down and waits for the read loop to exit. The
// handler's OnClosed fires if the connection was established. Idempotent.
//
// Returns:
//   - nil
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.wg.Wait()
	return nil
}

// readLoop reads and frames messages until the connection fails or closes.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	var (
		recvBuf []byte
		chunk   [readChunkSize]byte
		readErr error
	)

loop:
	for {
		n, err := conn.Read(chunk[:])
		if n > 0 {
			recvBuf = append(recvBuf, chunk[:n]...)
			var ok bool
			recvBuf, ok = c.parsePackages(recvBuf)
			if !ok {
				break loop
			}
		}
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				readErr = err
			}
			break loop
		}
	}

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()

	c.closeOnce.Do(func() {
		c.handler.OnClosed(c, readErr)
	})
}

// parsePackages cuts complete packages off the head of buf.
func (c *Client) parsePackages(buf []byte) ([]byte, bool) {
	for len(buf) > 0 {
		header := buf
		if max := c.proto.MaxHeaderSize(); len(header) > max {
			header = header[:max]
		}

		packLen := c.proto.CheckPackageLength(header)
		if packLen == protocol.ErrorLength {
			c.log.Error("malformed package from server")
			return buf, false
		}
		if packLen == protocol.NeedMoreData || len(buf) < packLen {
			return buf, true
		}

		payload, err := c.proto.Unpack(buf[:packLen])
		if err != nil {
			c.log.Error("package unpack failed", logger.Field{Key: "error", Value: err})
			return buf, false
		}

		c.handler.OnMessageReceived(c, payload)
		buf = buf[packLen:]
	}
	return nil, true
}
