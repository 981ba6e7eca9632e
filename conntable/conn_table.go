// Package conntable implements the server's connection slot table: a
// fixed-capacity-expanding pool of slots addressed by the index embedded in
// every ConnectionId, a FIFO free-list of vacant slots, and an ordered
// timeout index used for idle eviction.
//
// The table owns the 16-bit instance magic. It is derived from the clock at
// Init time, so handles minted by a previous server instance fail validation
// with high probability instead of addressing a reused slot.
//
// All mutating operations take the table's single mutex. The mutex is never
// held across application callbacks or blocking I/O; Shutdown on a stored
// value only closes a socket and posts an event record.
package conntable

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/cyberinferno/raptor/connid"
)

// Closable is the constraint for values stored in the table. Shutdown must
// be idempotent and non-blocking; notify selects whether the value announces
// its closure to the application.
type Closable interface {
	Shutdown(notify bool)
}

// ReservedCount is the initial slot capacity. The table starts with
// min(ReservedCount, maxConnections) slots and doubles on demand, never
// exceeding maxConnections and never shrinking.
const ReservedCount = 100

// timeoutEntry is one record of the ordered timeout index. Entries order by
// deadline first; the index tie-break only makes entries unique, the set of
// evictions is defined by the deadline alone.
type timeoutEntry struct {
	deadline int64
	index    uint32
}

func lessTimeout(a, b timeoutEntry) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.index < b.index
}

// slot is one fixed position of the table. A slot holds at most one live
// value, and has a timeout index entry exactly while it does.
type slot[T Closable] struct {
	conn    T
	live    bool
	timeout timeoutEntry
}

// Table is the connection slot table. Create one with New, then Init before
// use. Safe for concurrent use.
type Table[T Closable] struct {
	mu       sync.Mutex
	slots    []slot[T]
	freeList []uint32
	timeouts *btree.BTreeG[timeoutEntry]
	magic    uint16
	maxConns uint32
	inited   bool
}

// New creates an uninitialised table.
//
// Returns:
//   - A *Table; call Init before any other operation
func New[T Closable]() *Table[T] {
	return &Table[T]{
		timeouts: btree.NewG(16, lessTimeout),
	}
}

// Init prepares the table for use: picks a fresh magic from the clock and
// reserves the initial slot capacity. Calling Init on a previously shut down
// table re-initialises it with a new magic.
//
// Parameters:
//   - maxConnections: Hard cap on concurrently live slots; must be >= 1
func (t *Table[T]) Init(maxConnections uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The low 16 bits of seconds repeat every 18 hours; shifting nanoseconds
	// keeps two inits in the same process from sharing a magic.
	t.magic = uint16(time.Now().UnixNano() >> 16)
	t.maxConns = maxConnections

	initial := uint32(ReservedCount)
	if initial > maxConnections {
		initial = maxConnections
	}

	t.slots = make([]slot[T], initial)
	t.freeList = make([]uint32, initial)
	for i := range t.freeList {
		t.freeList[i] = uint32(i)
	}
	t.timeouts.Clear(false)
	t.inited = true
}

// Magic returns the instance magic chosen at Init.
func (t *Table[T]) Magic() uint16 {
	return t.magic
}

// CheckConnectionId validates a handle against this table instance.
//
// Parameters:
//   - cid: The handle to validate
//
// Returns:
//   - The embedded slot index, or connid.InvalidIndex if the handle is the
//     sentinel, carries a stale magic, or indexes beyond the capacity cap
func (t *Table[T]) CheckConnectionId(cid connid.ConnectionId) uint32 {
	if connid.IsInvalid(cid) {
		return connid.InvalidIndex
	}
	if connid.Magic(cid) != t.magic {
		return connid.InvalidIndex
	}
	index := connid.Index(cid)
	if index >= t.maxConns {
		return connid.InvalidIndex
	}
	return index
}

// Allocate reserves a vacant slot and mints its handle. The slot stays
// vacant (no timeout entry, Lookup misses) until Install; a caller whose
// connection setup fails must hand the index back with Release.
//
// Parameters:
//   - port: The listen port to embed in the handle
//
// Returns:
//   - The reserved slot index
//   - The handle for the slot
//   - false if the table is full (free-list empty and capacity at the cap)
func (t *Table[T]) Allocate(port uint16) (uint32, connid.ConnectionId, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inited {
		return connid.InvalidIndex, connid.Invalid, false
	}

	if len(t.freeList) == 0 {
		if uint32(len(t.slots)) >= t.maxConns {
			return connid.InvalidIndex, connid.Invalid, false
		}
		t.grow()
	}

	index := t.freeList[0]
	t.freeList = t.freeList[1:]

	return index, connid.Build(t.magic, port, index), true
}

// grow doubles the slot capacity, clamped at maxConns. Caller holds t.mu.
func (t *Table[T]) grow() {
	cur := uint32(len(t.slots))
	next := cur * 2
	if next > t.maxConns {
		next = t.maxConns
	}
	for i := cur; i < next; i++ {
		t.slots = append(t.slots, slot[T]{})
		t.freeList = append(t.freeList, i)
	}
}

// Release returns an allocated-but-never-installed index to the free-list.
//
// Parameters:
//   - index: The index obtained from Allocate
func (t *Table[T]) Release(index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index >= uint32(len(t.slots)) || t.slots[index].live {
		return
	}
	t.freeList = append(t.freeList, index)
}

// Install populates an allocated slot with a live value and registers its
// idle deadline.
//
// Parameters:
//   - index: The index obtained from Allocate
//   - conn: The live value to store
//   - deadline: Idle deadline in unix seconds
func (t *Table[T]) Install(index uint32, conn T, deadline int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index >= uint32(len(t.slots)) {
		return
	}
	entry := timeoutEntry{deadline: deadline, index: index}
	t.slots[index].conn = conn
	t.slots[index].live = true
	t.slots[index].timeout = entry
	t.timeouts.ReplaceOrInsert(entry)
}

// Evict shuts down and removes the value at index. Idempotent: evicting an
// empty slot is a no-op.
//
// Parameters:
//   - index: The slot to clear
//   - notify: Passed to the value's Shutdown; true makes the value announce
//     its closure to the application
//
// Returns:
//   - true if a live value was evicted
func (t *Table[T]) Evict(index uint32, notify bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked(index, notify)
}

func (t *Table[T]) evictLocked(index uint32, notify bool) bool {
	if index >= uint32(len(t.slots)) || !t.slots[index].live {
		return false
	}

	s := &t.slots[index]
	s.conn.Shutdown(notify)

	var zero T
	s.conn = zero
	s.live = false
	t.timeouts.Delete(s.timeout)
	t.freeList = append(t.freeList, index)
	return true
}

// Refresh moves a live slot's idle deadline. No-op on an empty slot.
//
// Parameters:
//   - index: The slot whose deadline moves
//   - deadline: The new deadline in unix seconds
func (t *Table[T]) Refresh(index uint32, deadline int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index >= uint32(len(t.slots)) || !t.slots[index].live {
		return
	}

	s := &t.slots[index]
	t.timeouts.Delete(s.timeout)
	s.timeout = timeoutEntry{deadline: deadline, index: index}
	t.timeouts.ReplaceOrInsert(s.timeout)
}

// SweepExpired evicts every slot whose deadline is at or before now, in
// ascending deadline order. Evicted values are shut down with notify=true so
// the application observes their closure.
//
// Parameters:
//   - now: Current time in unix seconds
//
// Returns:
//   - The indices evicted, in eviction order
func (t *Table[T]) SweepExpired(now int64) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []uint32
	t.timeouts.AscendLessThan(timeoutEntry{deadline: now + 1}, func(e timeoutEntry) bool {
		expired = append(expired, e.index)
		return true
	})

	for _, index := range expired {
		t.evictLocked(index, true)
	}
	return expired
}

// Lookup returns the live value at index.
//
// Parameters:
//   - index: A slot index previously validated with CheckConnectionId
//
// Returns:
//   - The value and true, or the zero value and false for an empty slot
func (t *Table[T]) Lookup(index uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index >= uint32(len(t.slots)) || !t.slots[index].live {
		var zero T
		return zero, false
	}
	return t.slots[index].conn, true
}

// Shutdown abruptly shuts down every live value and empties the table. The
// table is unusable until Init is called again.
func (t *Table[T]) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].live {
			t.slots[i].conn.Shutdown(false)
		}
	}
	t.slots = nil
	t.freeList = nil
	t.timeouts.Clear(false)
	t.inited = false
}
