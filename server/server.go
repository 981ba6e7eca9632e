// Package server implements the connection-management core of the library:
// it owns the listener, the I/O engine, the connection slot table and the
// dispatch machinery, and exposes the public operations keyed by opaque
// ConnectionId handles.
//
// Lifecycle:
//
//	Fresh ─Init→ Initialised ─Start→ Running ─Shutdown→ Stopped
//
// Shutdown is idempotent from any state, and a stopped server may be
// re-initialised (with a fresh instance magic, so handles from the previous
// incarnation are rejected).
//
// Events flow from the listener and the engine's driver goroutines into the
// slot table under its mutex, then as records through a lock-free MPSC queue
// to the single dispatch goroutine, which is the only caller of the
// application's Service. The table mutex is never held across an application
// callback or a blocking socket operation.
package server

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/raptor/connection"
	"github.com/cyberinferno/raptor/connid"
	"github.com/cyberinferno/raptor/conntable"
	"github.com/cyberinferno/raptor/iomgr"
	"github.com/cyberinferno/raptor/listener"
	"github.com/cyberinferno/raptor/logger"
	"github.com/cyberinferno/raptor/mpscq"
	"github.com/cyberinferno/raptor/protocol"
	"github.com/cyberinferno/raptor/registry"
	"github.com/cyberinferno/raptor/resolver"
)

// Server states.
const (
	stateFresh int32 = iota
	stateInitialised
	stateRunning
	stateStopped
)

// minSweepIntervalSeconds rate-limits the expired sweep regardless of how
// often the engine's checking event fires.
const minSweepIntervalSeconds = 1

// Server is a TCP server instance. Create with New, then Init, AddListening,
// Start. All exported methods are safe for concurrent use.
type Server struct {
	service Service
	log     logger.Logger
	opts    Options
	proto   protocol.Protocol
	reg     registry.Registry

	table *conntable.Table[*connection.Connection]
	lst   *listener.Listener
	eng   *iomgr.Engine
	rsv   *resolver.Resolver

	queue   *mpscq.Queue
	pending atomic.Int64
	dispMu  sync.Mutex
	dispCv  *sync.Cond
	dispWg  sync.WaitGroup

	lifecycleMu sync.Mutex
	state       atomic.Int32
	quitting    atomic.Bool
	lastSweep   atomic.Int64
}

// New creates a server delivering callbacks to service.
//
// Parameters:
//   - service: The application callback sink; must not be nil
//
// Returns:
//   - A *Server in the fresh state; call Init before anything else
func New(service Service) *Server {
	s := &Server{
		service: service,
		log:     logger.Nop(),
		rsv:     resolver.New(0),
	}
	s.dispCv = sync.NewCond(&s.dispMu)
	return s
}

// Init initialises every subcomponent and mints a fresh instance magic.
// Rejected while the server is running; permitted again after Shutdown.
//
// Parameters:
//   - opts: Server configuration; zero values select defaults
//
// Returns:
//   - An error if the server is running or no service was supplied
func (s *Server) Init(opts Options) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state.Load() == stateRunning {
		return ErrAlreadyRunning
	}
	if s.service == nil {
		return ErrNoService
	}

	s.opts = opts.withDefaults()
	s.log = s.opts.Logger
	s.proto = s.opts.Protocol
	s.reg = s.opts.Registry

	s.table = conntable.New[*connection.Connection]()
	s.table.Init(uint32(s.opts.MaxConnections))

	s.lst = listener.New(s, s.log)
	if err := s.lst.Init(); err != nil {
		return fmt.Errorf("server: listener init: %w", err)
	}

	s.eng = iomgr.New(s, s.log)
	if err := s.eng.Init(iomgr.Config{CheckingInterval: s.opts.CheckingInterval}); err != nil {
		return fmt.Errorf("server: engine init: %w", err)
	}

	s.queue = mpscq.New()
	s.pending.Store(0)
	s.quitting.Store(false)
	s.lastSweep.Store(time.Now().Unix())
	s.state.Store(stateInitialised)
	return nil
}

// AddListening resolves addr and binds every resolved address. Partial
// failures are aggregated: binding continues past a failed address and all
// errors are joined in the result.
//
// Parameters:
//   - addr: A "host:port" string; an empty host binds the wildcard address
//
// Returns:
//   - nil if every resolved address bound, the joined errors otherwise
func (s *Server) AddListening(addr string) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state.Load() != stateInitialised {
		return ErrNotInitialised
	}

	addrs, err := s.rsv.Resolve(context.Background(), addr)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range addrs {
		if err := s.lst.AddListeningPort(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListenPorts returns the bound local ports, in bind order. Useful after
// binding port 0.
func (s *Server) ListenPorts() []uint16 {
	return s.lst.Ports()
}

// Magic returns the instance magic embedded in every handle this server
// mints.
func (s *Server) Magic() uint16 {
	return s.table.Magic()
}

// Start launches the listener, the I/O engine and the dispatch goroutine, in
// that order. On the first failure later stages stay unstarted and the
// server remains initialised.
//
// Returns:
//   - An error naming the stage that failed
func (s *Server) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.state.Load() != stateInitialised {
		return ErrNotInitialised
	}

	if err := s.lst.Start(); err != nil {
		return fmt.Errorf("server: start listener: %w", err)
	}
	if err := s.eng.Start(); err != nil {
		s.lst.Shutdown()
		return fmt.Errorf("server: start engine: %w", err)
	}

	s.dispWg.Add(1)
	go s.dispatchLoop()

	s.state.Store(stateRunning)
	s.log.Info("server started",
		logger.Field{Key: "max_connections", Value: s.opts.MaxConnections},
		logger.Field{Key: "connection_timeout", Value: s.opts.ConnectionTimeout.String()})
	return nil
}

// Shutdown tears the server down: stop accepting, stop the engine, join the
// dispatcher, destroy every live connection, then drain the event queue.
// Idempotent from any state. Must not be called from a Service callback.
func (s *Server) Shutdown() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	st := s.state.Load()
	if st == stateFresh || st == stateStopped {
		return
	}

	s.quitting.Store(true)

	s.lst.Shutdown()
	s.eng.Shutdown()

	s.dispMu.Lock()
	s.dispCv.Signal()
	s.dispMu.Unlock()
	s.dispWg.Wait()

	s.table.Shutdown()

	// The dispatcher is gone, so the queue has exactly one consumer left:
	// this goroutine. Records pushed before the engine stopped are destroyed
	// without delivery.
	for {
		node, empty := s.queue.PopAndCheckEnd()
		if node != nil {
			s.pending.Add(-1)
		}
		if empty {
			break
		}
	}

	s.state.Store(stateStopped)
	s.log.Info("server stopped")
}

// Send frames buf with the configured protocol and queues it on the
// connection identified by cid.
//
// Parameters:
//   - cid: The target connection's handle
//   - buf: The application payload
//
// Returns:
//   - false if the server is not running, the handle fails validation, the
//     slot is empty, or framing failed
func (s *Server) Send(cid connid.ConnectionId, buf []byte) bool {
	return s.SendWithHeader(cid, nil, buf)
}

// SendWithHeader frames an application header and payload as a single
// logical package and queues it on the connection identified by cid.
//
// Parameters:
//   - cid: The target connection's handle
//   - hdr: Application-level header bytes, may be nil
//   - buf: The application payload
//
// Returns:
//   - false if the server is not running, the handle fails validation, the
//     slot is empty, or framing failed
func (s *Server) SendWithHeader(cid connid.ConnectionId, hdr, buf []byte) bool {
	if s.quitting.Load() || s.state.Load() != stateRunning {
		return false
	}

	conn, ok := s.lookup(cid)
	if !ok {
		return false
	}
	return conn.SendWithHeader(hdr, buf) == nil
}

// CloseConnection abruptly closes the connection identified by cid. The
// application still observes OnClosed for it. Closing an already-closed
// handle is a no-op.
//
// Parameters:
//   - cid: The connection's handle
//
// Returns:
//   - true if the handle passed validation (whether or not a live
//     connection was evicted)
func (s *Server) CloseConnection(cid connid.ConnectionId) bool {
	if s.table == nil {
		return false
	}
	index := s.table.CheckConnectionId(cid)
	if index == connid.InvalidIndex {
		return false
	}

	s.table.Evict(index, true)
	return true
}

// SetUserData attaches an opaque value to the connection. The server never
// interprets it.
//
// Parameters:
//   - cid: The connection's handle
//   - v: The value to attach
//
// Returns:
//   - false if the handle fails validation or the slot is empty
func (s *Server) SetUserData(cid connid.ConnectionId, v any) bool {
	conn, ok := s.lookup(cid)
	if !ok {
		return false
	}
	conn.SetUserData(v)
	return true
}

// GetUserData returns the value attached with SetUserData.
//
// Parameters:
//   - cid: The connection's handle
//
// Returns:
//   - The attached value and true, or nil and false
func (s *Server) GetUserData(cid connid.ConnectionId) (any, bool) {
	conn, ok := s.lookup(cid)
	if !ok {
		return nil, false
	}
	return conn.GetUserData(), true
}

// SetExtendInfo attaches a 64-bit scratch value to the connection.
//
// Parameters:
//   - cid: The connection's handle
//   - v: The value to attach
//
// Returns:
//   - false if the handle fails validation or the slot is empty
func (s *Server) SetExtendInfo(cid connid.ConnectionId, v uint64) bool {
	conn, ok := s.lookup(cid)
	if !ok {
		return false
	}
	conn.SetExtendInfo(v)
	return true
}

// GetExtendInfo returns the value attached with SetExtendInfo.
//
// Parameters:
//   - cid: The connection's handle
//
// Returns:
//   - The attached value and true, or 0 and false
func (s *Server) GetExtendInfo(cid connid.ConnectionId) (uint64, bool) {
	conn, ok := s.lookup(cid)
	if !ok {
		return 0, false
	}
	return conn.GetExtendInfo(), true
}

// lookup validates a handle and fetches its live connection.
func (s *Server) lookup(cid connid.ConnectionId) (*connection.Connection, bool) {
	if s.table == nil {
		return nil, false
	}
	index := s.table.CheckConnectionId(cid)
	if index == connid.InvalidIndex {
		return nil, false
	}
	return s.table.Lookup(index)
}

// deadline computes the next idle deadline in unix seconds.
func (s *Server) deadline() int64 {
	return time.Now().Unix() + s.opts.timeoutSeconds()
}

// dispatchLoop is the single consumer of the event queue and the only
// goroutine that calls the application's Service.
func (s *Server) dispatchLoop() {
	defer s.dispWg.Done()

	for {
		s.dispMu.Lock()
		for s.pending.Load() == 0 && !s.quitting.Load() {
			s.dispCv.Wait()
		}
		if s.quitting.Load() {
			s.dispMu.Unlock()
			return
		}
		node := s.queue.Pop()
		s.dispMu.Unlock()

		if node == nil {
			// A producer swapped the queue head but has not published the
			// link yet; the record arrives momentarily.
			runtime.Gosched()
			continue
		}

		s.pending.Add(-1)
		s.deliver(nodeToEvent(node))
	}
}

// deliver invokes the application callback for one event record. A panic in
// the callback is trapped so it cannot take the dispatcher down.
func (s *Server) deliver(ev *eventNode) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("service callback panicked",
				logger.Field{Key: "cid", Value: uint64(ev.cid)},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	switch ev.kind {
	case eventArrived:
		s.service.OnConnected(ev.cid)
		if s.reg != nil {
			s.reg.ConnectionUp(ev.cid, ev.addr)
		}
	case eventMessage:
		s.service.OnMessageReceived(ev.cid, ev.payload)
	case eventClosed:
		s.service.OnClosed(ev.cid)
		if s.reg != nil {
			s.reg.ConnectionDown(ev.cid)
		}
	}
}

// post publishes one event record to the dispatch queue.
func (s *Server) post(ev *eventNode) {
	s.queue.Push(&ev.node)
	s.pending.Add(1)

	s.dispMu.Lock()
	s.dispCv.Signal()
	s.dispMu.Unlock()
}
