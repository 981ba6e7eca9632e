// Package protocol defines the pluggable framing contract used by connection
// read and write paths, together with the default length-prefixed codec.
//
// TCP is a byte stream with no message boundaries; a Protocol turns the
// stream into discrete packages. On the read side the connection feeds the
// buffered head of the stream to CheckPackageLength until a full package is
// available, then recovers the application payload with Unpack. On the write
// side payloads are transformed with Pack and prefixed with
// BuildPackageHeader.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Package length results returned by CheckPackageLength.
const (
	// NeedMoreData means the header is incomplete or the full package has
	// not arrived yet.
	NeedMoreData = 0

	// ErrorLength means the header is malformed; the connection must be
	// closed.
	ErrorLength = -1
)

// DefaultMaxPayload caps a single package's payload. Oversized length
// prefixes are treated as malformed, which shields the server from a hostile
// peer forcing huge allocations.
const DefaultMaxPayload = 16 << 20

var (
	// ErrPayloadTooLarge is returned when building a header for a payload
	// exceeding the protocol's maximum.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrShortFrame is returned by Unpack for a frame smaller than its header.
	ErrShortFrame = errors.New("protocol: frame shorter than header")
)

// Protocol frames application messages on a TCP stream. Implementations must
// be safe for concurrent use: one connection calls the read-side methods from
// its receive path and the write-side methods from any sending goroutine, and
// all connections of a server share a single Protocol instance.
type Protocol interface {
	// MaxHeaderSize returns the number of leading bytes CheckPackageLength
	// needs in the worst case to decide a package's length.
	MaxHeaderSize() int

	// CheckPackageLength inspects the head of the receive buffer.
	//
	// Parameters:
	//   - header: The first bytes of the stream; may be shorter than
	//     MaxHeaderSize if less data has arrived
	//
	// Returns:
	//   - The full package length including the header, NeedMoreData if the
	//     length cannot be decided yet, or ErrorLength if the header is
	//     malformed
	CheckPackageLength(header []byte) int

	// BuildPackageHeader builds the wire header for a payload of the given
	// length (the length after Pack).
	//
	// Parameters:
	//   - payloadLen: Number of payload bytes that will follow the header
	//
	// Returns:
	//   - The header bytes, or an error if the payload cannot be framed
	BuildPackageHeader(payloadLen int) ([]byte, error)

	// Pack transforms an outbound payload before framing (e.g. compression).
	// The default codec returns the input unchanged.
	//
	// Parameters:
	//   - payload: The application bytes to send
	//
	// Returns:
	//   - The bytes to put on the wire after the header, or an error
	Pack(payload []byte) ([]byte, error)

	// Unpack recovers the application payload from a complete package.
	//
	// Parameters:
	//   - frame: A full package including its header, exactly as long as the
	//     value CheckPackageLength returned for it
	//
	// Returns:
	//   - The application payload, or an error if the package is corrupt
	Unpack(frame []byte) ([]byte, error)
}

// LengthPrefix is the default Protocol: a 4-byte big-endian payload length
// followed by the payload.
type LengthPrefix struct {
	maxPayload int
}

const lengthPrefixHeaderSize = 4

// NewLengthPrefix creates the default length-prefixed codec.
//
// Parameters:
//   - maxPayload: Maximum payload bytes per package; <= 0 selects
//     DefaultMaxPayload
//
// Returns:
//   - A *LengthPrefix ready for use by any number of connections
func NewLengthPrefix(maxPayload int) *LengthPrefix {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &LengthPrefix{maxPayload: maxPayload}
}

// MaxHeaderSize implements Protocol.
func (p *LengthPrefix) MaxHeaderSize() int { return lengthPrefixHeaderSize }

// CheckPackageLength implements Protocol.
func (p *LengthPrefix) CheckPackageLength(header []byte) int {
	if len(header) < lengthPrefixHeaderSize {
		return NeedMoreData
	}
	payloadLen := int(binary.BigEndian.Uint32(header[:lengthPrefixHeaderSize]))
	if payloadLen > p.maxPayload {
		return ErrorLength
	}
	return lengthPrefixHeaderSize + payloadLen
}

// BuildPackageHeader implements Protocol.
func (p *LengthPrefix) BuildPackageHeader(payloadLen int) ([]byte, error) {
	if payloadLen < 0 || payloadLen > p.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, payloadLen, p.maxPayload)
	}
	hdr := make([]byte, lengthPrefixHeaderSize)
	binary.BigEndian.PutUint32(hdr, uint32(payloadLen))
	return hdr, nil
}

// Pack implements Protocol. The default codec sends payloads unchanged.
func (p *LengthPrefix) Pack(payload []byte) ([]byte, error) {
	return payload, nil
}

// Unpack implements Protocol.
func (p *LengthPrefix) Unpack(frame []byte) ([]byte, error) {
	if len(frame) < lengthPrefixHeaderSize {
		return nil, ErrShortFrame
	}
	return frame[lengthPrefixHeaderSize:], nil
}
