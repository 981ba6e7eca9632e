// Package mpscq implements an intrusive lock-free multi-producer
// single-consumer queue. Any number of goroutines may Push concurrently;
// exactly one goroutine may Pop. The queue is intrusive: callers embed Node
// as the first field of their element type and convert back on the consumer
// side, so the queue itself never allocates.
//
// Push is wait-free. Pop may return nil transiently while a producer is
// between its two publishing stores; the element is never lost and becomes
// visible to the consumer once the producer's store completes.
package mpscq

import "sync/atomic"

// Node is the intrusive queue link. Embed it as the first field of the
// element struct that is pushed onto the queue.
type Node struct {
	next atomic.Pointer[Node]
}

// Queue is a multi-producer single-consumer queue. The zero value is not
// usable; create one with New. A Queue must not be copied after first use.
type Queue struct {
	head atomic.Pointer[Node]
	tail *Node
	stub Node
}

// New creates an empty queue.
//
// Returns:
//   - A ready-to-use *Queue
func New() *Queue {
	q := &Queue{}
	q.head.Store(&q.stub)
	q.tail = &q.stub
	return q
}

// Push enqueues node. Safe for concurrent use by any number of producers.
// The node must not be pushed again until it has been returned by Pop.
//
// Parameters:
//   - node: The intrusive link of the element to enqueue
func (q *Queue) Push(node *Node) {
	node.next.Store(nil)
	prev := q.head.Swap(node)
	prev.next.Store(node)
}

// Pop dequeues one element. Only the single consumer may call it. A nil
// return does not necessarily mean the queue is empty: a producer may be
// mid-publish, in which case the consumer should retry.
//
// Returns:
//   - The oldest node, or nil if the queue is empty or a push is in flight
func (q *Queue) Pop() *Node {
	node, _ := q.PopAndCheckEnd()
	return node
}

// PopAndCheckEnd dequeues one element and additionally reports whether the
// queue was observed empty. It is intended for shutdown drains, where the
// consumer loops until empty is true.
//
// Returns:
//   - The oldest node, or nil
//   - true if the queue was empty at the time of the call
func (q *Queue) PopAndCheckEnd() (*Node, bool) {
	tail := q.tail
	if tail == &q.stub {
		next := tail.next.Load()
		if next == nil {
			empty := q.head.Load() == q.tail
			return nil, empty
		}
		q.tail = next
		tail = next
	}

	next := tail.next.Load()
	if next != nil {
		q.tail = next
		return tail, false
	}

	head := q.head.Load()
	if tail != head {
		// A producer swapped head but has not linked next yet; retry later.
		return nil, false
	}

	q.Push(&q.stub)

	next = tail.next.Load()
	if next != nil {
		q.tail = next
		return tail, false
	}
	return nil, false
}
