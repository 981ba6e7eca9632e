package server

import (
	"net"
	"unsafe"

	"github.com/cyberinferno/raptor/connid"
	"github.com/cyberinferno/raptor/mpscq"
)

// eventKind discriminates dispatch queue records.
type eventKind int

const (
	eventArrived eventKind = iota
	eventMessage
	eventClosed
)

// eventNode is one record of the dispatch queue. The producer owns it until
// Push; ownership transfers to the dispatch goroutine on Pop. The record
// owns its payload. The mpscq link must stay the first field: the queue is
// intrusive and the consumer recovers the record from the link's address.
type eventNode struct {
	node    mpscq.Node
	kind    eventKind
	cid     connid.ConnectionId
	addr    *net.TCPAddr
	payload []byte
}

// nodeToEvent recovers the record embedding n.
func nodeToEvent(n *mpscq.Node) *eventNode {
	return (*eventNode)(unsafe.Pointer(n))
}
