// Package iomgr drives connection I/O events. The original design of this
// kind of server parks worker threads in a platform readiness or completion
// wait (epoll, IOCP); on Go the runtime's netpoller already does that
// underneath every blocking socket call, so the engine instead dedicates one
// receive driver and one send driver goroutine to every registered socket
// and lets them block inside the receiver's event handlers. Per-tag
// callbacks are serialised by construction: a tag has exactly one goroutine
// per direction.
//
// A ticker goroutine fires OnCheckingEvent once per CheckingInterval; the
// server uses it to sweep idle connections.
package iomgr

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/raptor/logger"
)

var (
	// ErrNotRunning is returned by Add before Start or after Shutdown.
	ErrNotRunning = errors.New("iomgr: engine not running")

	// ErrDuplicateTag is returned by Add when the tag is already registered.
	ErrDuplicateTag = errors.New("iomgr: tag already registered")
)

// Receiver handles the engine's events. The tag is the opaque value given to
// Add; the server uses the ConnectionId.
type Receiver interface {
	// OnRecvEvent processes one receive readiness for tag; it may block in a
	// socket read. Returning false stops the tag's receive driver.
	OnRecvEvent(tag uint64) bool

	// OnSendEvent flushes pending outbound data for tag. Returning false
	// stops the tag's send driver.
	OnSendEvent(tag uint64) bool

	// OnErrorEvent reports a failure the engine observed for tag outside the
	// recv/send paths.
	OnErrorEvent(tag uint64, err error)

	// OnCheckingEvent fires periodically with the current unix second.
	OnCheckingEvent(now int64)
}

// Config controls engine behaviour.
type Config struct {
	// CheckingInterval is the period of OnCheckingEvent. <= 0 selects one
	// second, the granularity idle timeouts are specified in.
	CheckingInterval time.Duration
}

// entry is one registered socket.
type entry struct {
	sock io.Closer
}

// Engine drives I/O events for registered sockets. Create with New, then
// Init, Start, Add per connection, and Shutdown to stop everything.
type Engine struct {
	receiver Receiver
	log      logger.Logger

	cfg     Config
	mu      sync.Mutex
	tags    map[uint64]entry
	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates an engine delivering events to receiver.
//
// Parameters:
//   - receiver: The event sink (the server)
//   - log: Logger for engine-level failures
//
// Returns:
//   - A *Engine; call Init and Start before Add
func New(receiver Receiver, log logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{receiver: receiver, log: log}
}

// Init applies configuration. Must be called before Start.
//
// Parameters:
//   - cfg: Engine settings
//
// Returns:
//   - An error if the engine is already running
func (e *Engine) Init(cfg Config) error {
	if e.running.Load() {
		return errors.New("iomgr: engine already running")
	}
	if cfg.CheckingInterval <= 0 {
		cfg.CheckingInterval = time.Second
	}
	e.cfg = cfg
	e.tags = make(map[uint64]entry)
	e.stop = make(chan struct{})
	return nil
}

// Start launches the checking ticker. Idempotent start is not supported; a
// second Start without Shutdown is an error.
//
// Returns:
//   - An error if already running
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("iomgr: engine already running")
	}

	e.wg.Add(1)
	go e.checkingLoop()
	return nil
}

// Add registers a socket under tag and starts its receive and send drivers.
// The wake channel signals pending outbound data; the done channel, closed
// by the connection's shutdown, stops the send driver.
//
// Parameters:
//   - tag: Opaque event tag (the connection's cid)
//   - sock: Closed by Shutdown to unblock the receive driver
//   - wake: Send-pending signal from the connection
//   - done: Closed when the connection shuts down
//
// Returns:
//   - An error if the engine is not running or the tag is taken
func (e *Engine) Add(tag uint64, sock io.Closer, wake <-chan struct{}, done <-chan struct{}) error {
	if !e.running.Load() {
		return ErrNotRunning
	}

	e.mu.Lock()
	if _, dup := e.tags[tag]; dup {
		e.mu.Unlock()
		return ErrDuplicateTag
	}
	e.tags[tag] = entry{sock: sock}
	e.mu.Unlock()

	e.wg.Add(2)
	go e.recvLoop(tag)
	go e.sendLoop(tag, wake, done)
	return nil
}

// remove drops a finished tag.
func (e *Engine) remove(tag uint64) {
	e.mu.Lock()
	delete(e.tags, tag)
	e.mu.Unlock()
}

// recvLoop drives OnRecvEvent until the receiver gives up or the engine
// stops. The receiver blocks inside its socket read, so engine shutdown
// closes the socket to force the pending read to fail.
func (e *Engine) recvLoop(tag uint64) {
	defer e.wg.Done()
	defer e.remove(tag)

	for {
		select {
		case <-e.stop:
			return
		default:
		}
		if !e.receiver.OnRecvEvent(tag) {
			return
		}
	}
}

// sendLoop drives OnSendEvent whenever the connection signals pending data.
func (e *Engine) sendLoop(tag uint64, wake <-chan struct{}, done <-chan struct{}) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		case <-done:
			return
		case <-wake:
			if !e.receiver.OnSendEvent(tag) {
				return
			}
		}
	}
}

// checkingLoop fires the periodic checking event.
func (e *Engine) checkingLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CheckingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.receiver.OnCheckingEvent(now.Unix())
		}
	}
}

// Shutdown stops the engine: closes every registered socket so blocked
// receive drivers return, then joins all driver goroutines. After Shutdown
// returns no further events are delivered. Idempotent.
func (e *Engine) Shutdown() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	close(e.stop)

	e.mu.Lock()
	for tag, ent := range e.tags {
		if err := ent.sock.Close(); err != nil {
			e.log.Debug("socket close during shutdown",
				logger.Field{Key: "tag", Value: tag},
				logger.Field{Key: "error", Value: err})
		}
	}
	e.mu.Unlock()

	e.wg.Wait()
}
