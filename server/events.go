package server

import (
	"net"

	"github.com/cyberinferno/raptor/connection"
	"github.com/cyberinferno/raptor/connid"
	"github.com/cyberinferno/raptor/logger"
)

// OnNewConnection implements listener.Acceptor. It allocates a slot, wires a
// Connection to the socket and registers it with the engine. On any failure
// the slot returns to the free-list and the socket is closed; capacity
// exhaustion is a local back-pressure signal, not an error.
func (s *Server) OnNewConnection(sock net.Conn, listenPort uint16, addr *net.TCPAddr) {
	if s.quitting.Load() {
		_ = sock.Close()
		return
	}

	index, cid, ok := s.table.Allocate(listenPort)
	if !ok {
		s.log.Error("maximum number of connections reached",
			logger.Field{Key: "max_connections", Value: s.opts.MaxConnections})
		_ = sock.Close()
		return
	}

	conn := connection.New(s, s.log)
	conn.Init(cid, sock, addr)
	conn.SetProtocol(s.proto)

	s.table.Install(index, conn, s.deadline())

	if err := s.eng.Add(uint64(cid), sock, conn.Wake(), conn.Done()); err != nil {
		s.log.Error("engine registration failed",
			logger.Field{Key: "cid", Value: uint64(cid)},
			logger.Field{Key: "error", Value: err})
		s.table.Evict(index, false)
		return
	}

	s.onConnectionArrived(cid, addr)
}

// OnRecvEvent implements iomgr.Receiver. One receive readiness for cid:
// delegate to the connection, refresh its idle deadline on success, evict on
// failure.
func (s *Server) OnRecvEvent(tag uint64) bool {
	cid := connid.ConnectionId(tag)
	index := s.table.CheckConnectionId(cid)
	if index == connid.InvalidIndex {
		s.log.Error("recv event with invalid handle", logger.Field{Key: "cid", Value: tag})
		return false
	}

	conn, ok := s.table.Lookup(index)
	if !ok {
		return false
	}

	if conn.DoRecvEvent() {
		s.table.Refresh(index, s.deadline())
		return true
	}

	s.table.Evict(index, true)
	return false
}

// OnSendEvent implements iomgr.Receiver. Flush the connection's pending
// frames; successful writes count as liveness.
func (s *Server) OnSendEvent(tag uint64) bool {
	cid := connid.ConnectionId(tag)
	index := s.table.CheckConnectionId(cid)
	if index == connid.InvalidIndex {
		s.log.Error("send event with invalid handle", logger.Field{Key: "cid", Value: tag})
		return false
	}

	conn, ok := s.table.Lookup(index)
	if !ok {
		return false
	}

	if conn.DoSendEvent() {
		s.table.Refresh(index, s.deadline())
		return true
	}

	s.table.Evict(index, true)
	return false
}

// OnErrorEvent implements iomgr.Receiver. The engine observed a failure for
// cid outside the recv/send paths; evict.
func (s *Server) OnErrorEvent(tag uint64, err error) {
	cid := connid.ConnectionId(tag)
	index := s.table.CheckConnectionId(cid)
	if index == connid.InvalidIndex {
		s.log.Error("error event with invalid handle", logger.Field{Key: "cid", Value: tag})
		return
	}

	s.log.Debug("connection error",
		logger.Field{Key: "cid", Value: tag},
		logger.Field{Key: "error", Value: err})
	s.table.Evict(index, true)
}

// OnCheckingEvent implements iomgr.Receiver. Runs the expired sweep at most
// once per minSweepIntervalSeconds, however often the engine ticks.
func (s *Server) OnCheckingEvent(now int64) {
	last := s.lastSweep.Load()
	if now-last < minSweepIntervalSeconds {
		return
	}
	if !s.lastSweep.CompareAndSwap(last, now) {
		return
	}

	evicted := s.table.SweepExpired(now)
	if len(evicted) > 0 {
		s.log.Info("idle connections evicted",
			logger.Field{Key: "count", Value: len(evicted)})
	}
}

// onConnectionArrived posts the arrival record for a freshly accepted
// connection.
func (s *Server) onConnectionArrived(cid connid.ConnectionId, addr *net.TCPAddr) {
	s.post(&eventNode{kind: eventArrived, cid: cid, addr: addr})
}

// OnDataReceived implements connection.Transfer. Called from a connection's
// receive path with one complete message; the record takes ownership of the
// payload.
func (s *Server) OnDataReceived(cid connid.ConnectionId, payload []byte) {
	s.post(&eventNode{kind: eventMessage, cid: cid, payload: payload})
}

// OnConnectionClosed implements connection.Transfer. Called at most once by
// a connection shutting down with notification.
func (s *Server) OnConnectionClosed(cid connid.ConnectionId) {
	s.post(&eventNode{kind: eventClosed, cid: cid})
}
