package protocol

import (
	"errors"

	"github.com/klauspost/compress/zstd"
)

// Compression flag prepended to every packed payload.
const (
	flagUncompressed byte = 0
	flagCompressed   byte = 1
)

// ErrEmptyFrame is returned by Zstd.Unpack for a package with no flag byte.
var ErrEmptyFrame = errors.New("protocol: empty compressed frame")

// Zstd wraps an inner Protocol and transparently compresses payloads with
// zstd. Each packed payload carries a one-byte flag; payloads that do not
// shrink, or are below the compression threshold, travel uncompressed.
type Zstd struct {
	inner     Protocol
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	threshold int
}

// zstdMinSize is the smallest payload worth compressing. Below this the flag
// byte plus zstd overhead always loses.
const zstdMinSize = 64

// NewZstd wraps inner with zstd payload compression.
//
// Parameters:
//   - inner: The framing codec to wrap; nil selects NewLengthPrefix(0)
//
// Returns:
//   - A *Zstd protocol, or an error if the codec could not be initialised
func NewZstd(inner Protocol) (*Zstd, error) {
	if inner == nil {
		inner = NewLengthPrefix(0)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Zstd{inner: inner, enc: enc, dec: dec, threshold: zstdMinSize}, nil
}

// MaxHeaderSize implements Protocol.
func (z *Zstd) MaxHeaderSize() int { return z.inner.MaxHeaderSize() }

// CheckPackageLength implements Protocol.
func (z *Zstd) CheckPackageLength(header []byte) int {
	return z.inner.CheckPackageLength(header)
}

// BuildPackageHeader implements Protocol.
func (z *Zstd) BuildPackageHeader(payloadLen int) ([]byte, error) {
	return z.inner.BuildPackageHeader(payloadLen)
}

// Pack implements Protocol. EncodeAll is safe for concurrent use, so a single
// Zstd instance serves every connection of a server.
func (z *Zstd) Pack(payload []byte) ([]byte, error) {
	if len(payload) >= z.threshold {
		compressed := z.enc.EncodeAll(payload, make([]byte, 1, len(payload)/2+1))
		if len(compressed) < len(payload)+1 {
			compressed[0] = flagCompressed
			return compressed, nil
		}
	}
	out := make([]byte, len(payload)+1)
	out[0] = flagUncompressed
	copy(out[1:], payload)
	return out, nil
}

// Unpack implements Protocol.
func (z *Zstd) Unpack(frame []byte) ([]byte, error) {
	packed, err := z.inner.Unpack(frame)
	if err != nil {
		return nil, err
	}
	if len(packed) == 0 {
		return nil, ErrEmptyFrame
	}
	if packed[0] == flagUncompressed {
		return packed[1:], nil
	}
	return z.dec.DecodeAll(packed[1:], nil)
}
