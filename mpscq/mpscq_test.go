package mpscq

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testElem struct {
	node     Node
	producer int
	seq      int
}

func elemOf(n *Node) *testElem {
	return (*testElem)(unsafe.Pointer(n))
}

func TestQueue_PushPopSingle(t *testing.T) {
	q := New()

	e := &testElem{seq: 42}
	q.Push(&e.node)

	got := q.Pop()
	require.NotNil(t, got)
	assert.Equal(t, 42, elemOf(got).seq)

	_, empty := q.PopAndCheckEnd()
	assert.True(t, empty)
}

func TestQueue_FIFOSingleProducer(t *testing.T) {
	q := New()
	const n = 1000

	for i := 0; i < n; i++ {
		q.Push(&(&testElem{seq: i}).node)
	}

	for i := 0; i < n; i++ {
		got := q.Pop()
		require.NotNil(t, got, "pop %d", i)
		assert.Equal(t, i, elemOf(got).seq)
	}
	_, empty := q.PopAndCheckEnd()
	assert.True(t, empty)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New()
	const producers = 8
	const perProducer = 5000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(&(&testElem{producer: p, seq: i}).node)
			}
		}(p)
	}

	// Consume concurrently with the producers; nil pops are transient.
	lastSeq := make([]int, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}
	received := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for received < producers*perProducer {
			n := q.Pop()
			if n == nil {
				continue
			}
			e := elemOf(n)
			// Per-producer order must be preserved.
			assert.Equal(t, lastSeq[e.producer]+1, e.seq)
			lastSeq[e.producer] = e.seq
			received++
		}
	}()

	wg.Wait()
	<-done

	assert.Equal(t, producers*perProducer, received)
	_, empty := q.PopAndCheckEnd()
	assert.True(t, empty)
}

func TestQueue_PopAndCheckEndDrain(t *testing.T) {
	q := New()
	const n = 100

	for i := 0; i < n; i++ {
		q.Push(&(&testElem{seq: i}).node)
	}

	drained := 0
	for {
		node, empty := q.PopAndCheckEnd()
		if node != nil {
			drained++
		}
		if empty {
			break
		}
	}
	assert.Equal(t, n, drained)
}

func TestQueue_EmptyPop(t *testing.T) {
	q := New()
	assert.Nil(t, q.Pop())

	node, empty := q.PopAndCheckEnd()
	assert.Nil(t, node)
	assert.True(t, empty)
}
