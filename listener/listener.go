// Package listener accepts inbound TCP connections on any number of bound
// addresses and hands each accepted socket to the server's acceptor. Sockets
// are bound with SO_REUSEADDR and accepted connections get TCP_NODELAY where
// the platform supports it.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/raptor/logger"
)

// ErrNotInitialised is returned by operations before Init.
var ErrNotInitialised = errors.New("listener: not initialised")

// Acceptor receives accepted connections.
type Acceptor interface {
	// OnNewConnection hands over an accepted socket. The acceptor takes
	// ownership of sock and must eventually close it.
	//
	// Parameters:
	//   - sock: The accepted connection
	//   - listenPort: The local port the connection arrived on
	//   - addr: The peer address
	OnNewConnection(sock net.Conn, listenPort uint16, addr *net.TCPAddr)
}

// boundListener is one bound address with its accept loop.
type boundListener struct {
	ln   net.Listener
	port uint16
}

// Listener accepts connections on every address added with AddListeningPort
// and reports them to a single Acceptor. Lifecycle: Init, AddListeningPort
// (one or more), Start, Shutdown.
type Listener struct {
	acceptor Acceptor
	log      logger.Logger

	mu      sync.Mutex
	bound   []boundListener
	wg      sync.WaitGroup
	running atomic.Bool
	inited  bool
}

// New creates a listener delivering accepted connections to acceptor.
//
// Parameters:
//   - acceptor: The sink for accepted connections (the server)
//   - log: Logger for accept failures
//
// Returns:
//   - A *Listener; call Init before use
func New(acceptor Acceptor, log logger.Logger) *Listener {
	if log == nil {
		log = logger.Nop()
	}
	return &Listener{acceptor: acceptor, log: log}
}

// Init prepares the listener.
//
// Returns:
//   - An error if the listener is running
func (l *Listener) Init() error {
	if l.running.Load() {
		return errors.New("listener: already running")
	}
	l.mu.Lock()
	l.bound = nil
	l.inited = true
	l.mu.Unlock()
	return nil
}

// AddListeningPort binds one resolved TCP address. May be called multiple
// times before Start.
//
// Parameters:
//   - addr: The resolved address to bind
//
// Returns:
//   - An error if binding failed
func (l *Listener) AddListeningPort(addr *net.TCPAddr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.inited {
		return ErrNotInitialised
	}

	lc := net.ListenConfig{Control: controlSocket}
	ln, err := lc.Listen(context.Background(), "tcp", addr.String())
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", addr.String(), err)
	}

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	l.bound = append(l.bound, boundListener{ln: ln, port: port})
	l.log.Info("listening", logger.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// Ports returns the local port of every bound address, in bind order.
// Useful when binding port 0.
func (l *Listener) Ports() []uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()

	ports := make([]uint16, len(l.bound))
	for i, b := range l.bound {
		ports[i] = b.port
	}
	return ports
}

// Start launches one accept loop per bound address.
//
// Returns:
//   - An error if nothing is bound or the listener already started
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.inited {
		return ErrNotInitialised
	}
	if len(l.bound) == 0 {
		return errors.New("listener: no listening port added")
	}
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("listener: already running")
	}

	for _, b := range l.bound {
		l.wg.Add(1)
		go l.acceptLoop(b)
	}
	return nil
}

// acceptLoop accepts until the bound listener closes.
func (l *Listener) acceptLoop(b boundListener) {
	defer l.wg.Done()

	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if !l.running.Load() {
				return
			}
			l.log.Error("accept error",
				logger.Field{Key: "port", Value: b.port},
				logger.Field{Key: "error", Value: err})
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		addr, _ := conn.RemoteAddr().(*net.TCPAddr)
		l.acceptor.OnNewConnection(conn, b.port, addr)
	}
}

// Shutdown closes every bound address and joins the accept loops. No further
// OnNewConnection calls are made after Shutdown returns. Idempotent.
func (l *Listener) Shutdown() {
	if !l.running.CompareAndSwap(true, false) {
		// Never started: still close whatever got bound.
		l.closeBound()
		return
	}

	l.closeBound()
	l.wg.Wait()

	l.mu.Lock()
	l.bound = nil
	l.inited = false
	l.mu.Unlock()
}

func (l *Listener) closeBound() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bound {
		_ = b.ln.Close()
	}
}
