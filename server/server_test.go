package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/raptor/connid"
	"github.com/cyberinferno/raptor/registry"
)

type svcEvent struct {
	kind string // "connected", "message", "closed"
	cid  connid.ConnectionId
	msg  []byte
}

type captureService struct {
	events chan svcEvent
}

func newCaptureService() *captureService {
	return &captureService{events: make(chan svcEvent, 4096)}
}

func (s *captureService) OnConnected(cid connid.ConnectionId) {
	s.events <- svcEvent{kind: "connected", cid: cid}
}

func (s *captureService) OnMessageReceived(cid connid.ConnectionId, msg []byte) {
	cp := make([]byte, len(msg))
	copy(cp, msg)
	s.events <- svcEvent{kind: "message", cid: cid, msg: cp}
}

func (s *captureService) OnClosed(cid connid.ConnectionId) {
	s.events <- svcEvent{kind: "closed", cid: cid}
}

func (s *captureService) wait(t *testing.T, kind string, timeout time.Duration) svcEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-s.events:
			if ev.kind == kind {
				return ev
			}
			t.Fatalf("expected %q event, got %q (cid %x)", kind, ev.kind, uint64(ev.cid))
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func (s *captureService) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected %q event (cid %x)", ev.kind, uint64(ev.cid))
	case <-time.After(within):
	}
}

func startServer(t *testing.T, opts Options) (*Server, *captureService, uint16) {
	t.Helper()
	svc := newCaptureService()
	s := New(svc)
	require.NoError(t, s.Init(opts))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)

	ports := s.ListenPorts()
	require.Len(t, ports, 1)
	return s, svc, ports[0]
}

func dial(t *testing.T, port uint16) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func framed(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	hdr := make([]byte, 4)
	_, err := io.ReadFull(conn, hdr)
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(hdr))
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func TestServer_Echo(t *testing.T) {
	s, svc, port := startServer(t, Options{MaxConnections: 4, ConnectionTimeout: 60 * time.Second})

	conn := dial(t, port)
	connected := svc.wait(t, "connected", 5*time.Second)
	cid := connected.cid

	assert.Equal(t, s.Magic(), connid.Magic(cid), "handle must carry the server magic")
	assert.Equal(t, port, connid.Port(cid), "handle must carry the listen port")

	_, err := conn.Write(framed([]byte("hello")))
	require.NoError(t, err)

	msg := svc.wait(t, "message", 5*time.Second)
	assert.Equal(t, cid, msg.cid)
	assert.Equal(t, []byte("hello"), msg.msg)

	// Echo it back through the public send path.
	require.True(t, s.Send(cid, []byte("hello")))
	assert.Equal(t, []byte("hello"), readFrame(t, conn))

	require.True(t, s.CloseConnection(cid))
	closed := svc.wait(t, "closed", 5*time.Second)
	assert.Equal(t, cid, closed.cid)
}

func TestServer_MessageOrderPreserved(t *testing.T) {
	_, svc, port := startServer(t, Options{MaxConnections: 4})

	conn := dial(t, port)
	svc.wait(t, "connected", 5*time.Second)

	var buf []byte
	for i := 0; i < 50; i++ {
		buf = append(buf, framed([]byte(fmt.Sprintf("msg-%03d", i)))...)
	}
	_, err := conn.Write(buf)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		msg := svc.wait(t, "message", 5*time.Second)
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), string(msg.msg))
	}
}

func TestServer_SendWithHeader(t *testing.T) {
	s, svc, port := startServer(t, Options{})

	conn := dial(t, port)
	cid := svc.wait(t, "connected", 5*time.Second).cid

	require.True(t, s.SendWithHeader(cid, []byte("hdr:"), []byte("body")))
	assert.Equal(t, []byte("hdr:body"), readFrame(t, conn))
}

func TestServer_CapacityCap(t *testing.T) {
	s, svc, port := startServer(t, Options{MaxConnections: 2})

	c1 := dial(t, port)
	cid1 := svc.wait(t, "connected", 5*time.Second).cid
	_ = dial(t, port)
	svc.wait(t, "connected", 5*time.Second)

	// Third connection is refused: the socket is shut down and no
	// connected event is emitted.
	c3 := dial(t, port)
	svc.expectNone(t, 300*time.Millisecond)

	require.NoError(t, c3.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c3.Read(make([]byte, 1))
	assert.Error(t, err, "refused connection must be closed by the server")

	// Closing the first connection frees a slot for a fourth client.
	require.NoError(t, c1.Close())
	closed := svc.wait(t, "closed", 5*time.Second)
	assert.Equal(t, cid1, closed.cid)

	_ = dial(t, port)
	svc.wait(t, "connected", 5*time.Second)

	_ = s
}

func TestServer_IdleTimeout(t *testing.T) {
	_, svc, port := startServer(t, Options{
		MaxConnections:    4,
		ConnectionTimeout: time.Second,
		CheckingInterval:  50 * time.Millisecond,
	})

	_ = dial(t, port)
	cid := svc.wait(t, "connected", 5*time.Second).cid

	closed := svc.wait(t, "closed", 10*time.Second)
	assert.Equal(t, cid, closed.cid, "idle connection must be evicted")
}

func TestServer_ActivityDefersIdleTimeout(t *testing.T) {
	_, svc, port := startServer(t, Options{
		MaxConnections:    4,
		ConnectionTimeout: 2 * time.Second,
		CheckingInterval:  50 * time.Millisecond,
	})

	conn := dial(t, port)
	svc.wait(t, "connected", 5*time.Second)

	// Keep the connection busy past the first deadline window.
	for i := 0; i < 4; i++ {
		time.Sleep(700 * time.Millisecond)
		_, err := conn.Write(framed([]byte("keepalive")))
		require.NoError(t, err)
		msg := svc.wait(t, "message", 5*time.Second)
		assert.Equal(t, []byte("keepalive"), msg.msg)
	}
}

func TestServer_ForgedHandle(t *testing.T) {
	s, svc, port := startServer(t, Options{})

	conn := dial(t, port)
	cid := svc.wait(t, "connected", 5*time.Second).cid

	forged := connid.ConnectionId(0xDEADBEEFDEADBEEF)
	assert.False(t, s.Send(forged, []byte("x")))
	assert.False(t, s.CloseConnection(forged))
	assert.False(t, s.SetUserData(forged, "v"))
	_, ok := s.GetUserData(forged)
	assert.False(t, ok)
	assert.False(t, s.SetExtendInfo(forged, 1))
	_, ok = s.GetExtendInfo(forged)
	assert.False(t, ok)

	// The real connection is untouched.
	require.True(t, s.Send(cid, []byte("still-alive")))
	assert.Equal(t, []byte("still-alive"), readFrame(t, conn))
	svc.expectNone(t, 200*time.Millisecond)
}

func TestServer_UserDataAndExtendInfo(t *testing.T) {
	s, svc, port := startServer(t, Options{})

	_ = dial(t, port)
	cid := svc.wait(t, "connected", 5*time.Second).cid

	require.True(t, s.SetUserData(cid, "session"))
	v, ok := s.GetUserData(cid)
	require.True(t, ok)
	assert.Equal(t, "session", v)

	require.True(t, s.SetExtendInfo(cid, 77))
	e, ok := s.GetExtendInfo(cid)
	require.True(t, ok)
	assert.Equal(t, uint64(77), e)
}

func TestServer_ShutdownDrain(t *testing.T) {
	svc := newCaptureService()
	s := New(svc)
	require.NoError(t, s.Init(Options{MaxConnections: 4}))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())

	conn := dial(t, s.ListenPorts()[0])
	svc.wait(t, "connected", 5*time.Second)

	var buf []byte
	for i := 0; i < 1000; i++ {
		buf = append(buf, framed([]byte("burst"))...)
	}
	_, err := conn.Write(buf)
	require.NoError(t, err)

	s.Shutdown()

	assert.Zero(t, s.pending.Load(), "pending count must be zero after shutdown")
	node, empty := s.queue.PopAndCheckEnd()
	assert.Nil(t, node)
	assert.True(t, empty, "event queue must be empty after shutdown")

	// No callbacks may arrive after Shutdown has returned.
	remaining := len(svc.events)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, remaining, len(svc.events))
}

func TestServer_CloseConnectionTwice(t *testing.T) {
	s, svc, port := startServer(t, Options{})

	_ = dial(t, port)
	cid := svc.wait(t, "connected", 5*time.Second).cid

	assert.True(t, s.CloseConnection(cid))
	assert.True(t, s.CloseConnection(cid), "validation still passes for an evicted slot")

	svc.wait(t, "closed", 5*time.Second)
	svc.expectNone(t, 300*time.Millisecond)
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	svc := newCaptureService()
	s := New(svc)
	require.NoError(t, s.Init(Options{}))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())

	s.Shutdown()
	s.Shutdown()

	assert.False(t, s.Send(connid.Build(s.Magic(), 1, 0), []byte("x")))
}

func TestServer_MagicChangesAcrossRestart(t *testing.T) {
	svc := newCaptureService()
	s := New(svc)
	require.NoError(t, s.Init(Options{}))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())

	conn := dial(t, s.ListenPorts()[0])
	oldCid := svc.wait(t, "connected", 5*time.Second).cid
	m1 := s.Magic()
	_ = conn

	s.Shutdown()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Init(Options{}))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())
	defer s.Shutdown()

	if s.Magic() == m1 {
		t.Skip("magic collided across restart; probability ~2^-16")
	}
	assert.False(t, s.Send(oldCid, []byte("stale")),
		"handle from the previous incarnation must be rejected")
	assert.False(t, s.CloseConnection(oldCid))
}

func TestServer_LifecycleStateMachine(t *testing.T) {
	svc := newCaptureService()
	s := New(svc)

	t.Run("start before init", func(t *testing.T) {
		assert.ErrorIs(t, s.Start(), ErrNotInitialised)
	})

	t.Run("add listening before init", func(t *testing.T) {
		assert.ErrorIs(t, s.AddListening("127.0.0.1:0"), ErrNotInitialised)
	})

	require.NoError(t, s.Init(Options{}))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())
	defer s.Shutdown()

	t.Run("init while running", func(t *testing.T) {
		assert.ErrorIs(t, s.Init(Options{}), ErrAlreadyRunning)
	})

	t.Run("start while running", func(t *testing.T) {
		assert.ErrorIs(t, s.Start(), ErrNotInitialised)
	})
}

func TestServer_AddListeningBadAddress(t *testing.T) {
	svc := newCaptureService()
	s := New(svc)
	require.NoError(t, s.Init(Options{}))
	defer s.Shutdown()

	assert.Error(t, s.AddListening("not-an-address"))
	assert.Error(t, s.AddListening("127.0.0.1:notaport"))
}

func TestServer_SweepRateLimited(t *testing.T) {
	svc := newCaptureService()
	s := New(svc)
	require.NoError(t, s.Init(Options{}))
	defer s.Shutdown()

	base := s.lastSweep.Load()

	s.OnCheckingEvent(base)
	assert.Equal(t, base, s.lastSweep.Load(), "sweep within the interval must be skipped")

	s.OnCheckingEvent(base + 1)
	assert.Equal(t, base+1, s.lastSweep.Load())

	s.OnCheckingEvent(base + 1)
	assert.Equal(t, base+1, s.lastSweep.Load(), "second sweep in the same second must be skipped")
}

func TestServer_RegistryObservesLifecycle(t *testing.T) {
	reg := registry.NewLocal()
	svc := newCaptureService()
	s := New(svc)
	require.NoError(t, s.Init(Options{Registry: reg}))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())
	defer s.Shutdown()

	conn := dial(t, s.ListenPorts()[0])
	cid := svc.wait(t, "connected", 5*time.Second).cid

	assert.Eventually(t, func() bool {
		sess, ok := reg.Get(cid)
		return ok && sess.RemoteAddr == conn.LocalAddr().String()
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, s.CloseConnection(cid))
	svc.wait(t, "closed", 5*time.Second)

	assert.Eventually(t, func() bool {
		_, ok := reg.Get(cid)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

type panickyService struct {
	*captureService
	panicOnMessage atomic.Bool
}

func (p *panickyService) OnMessageReceived(cid connid.ConnectionId, msg []byte) {
	if p.panicOnMessage.Load() {
		panic("service bug")
	}
	p.captureService.OnMessageReceived(cid, msg)
}

func TestServer_CallbackPanicDoesNotKillDispatch(t *testing.T) {
	svc := &panickyService{captureService: newCaptureService()}
	svc.panicOnMessage.Store(true)
	s := New(svc)
	require.NoError(t, s.Init(Options{}))
	require.NoError(t, s.AddListening("127.0.0.1:0"))
	require.NoError(t, s.Start())
	defer s.Shutdown()

	conn := dial(t, s.ListenPorts()[0])
	svc.wait(t, "connected", 5*time.Second)

	_, err := conn.Write(framed([]byte("boom")))
	require.NoError(t, err)

	// The panicking message callback is trapped; a later event still
	// arrives.
	time.Sleep(200 * time.Millisecond)
	svc.panicOnMessage.Store(false)
	_, err = conn.Write(framed([]byte("fine")))
	require.NoError(t, err)

	msg := svc.wait(t, "message", 5*time.Second)
	assert.Equal(t, []byte("fine"), msg.msg)
}
