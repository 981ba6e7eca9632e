package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, p Protocol, payload []byte) []byte {
	t.Helper()
	packed, err := p.Pack(payload)
	require.NoError(t, err)
	hdr, err := p.BuildPackageHeader(len(packed))
	require.NoError(t, err)
	return append(hdr, packed...)
}

func TestLengthPrefix_RoundTrip(t *testing.T) {
	p := NewLengthPrefix(0)

	payload := []byte("hello")
	f := frame(t, p, payload)

	n := p.CheckPackageLength(f)
	assert.Equal(t, len(f), n)

	got, err := p.Unpack(f)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLengthPrefix_NeedMoreData(t *testing.T) {
	p := NewLengthPrefix(0)

	t.Run("short header", func(t *testing.T) {
		assert.Equal(t, NeedMoreData, p.CheckPackageLength([]byte{0, 0, 0}))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, NeedMoreData, p.CheckPackageLength(nil))
	})
}

func TestLengthPrefix_OversizedIsError(t *testing.T) {
	p := NewLengthPrefix(8)

	hdr := []byte{0xff, 0xff, 0xff, 0xff}
	assert.Equal(t, ErrorLength, p.CheckPackageLength(hdr))

	_, err := p.BuildPackageHeader(9)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestLengthPrefix_EmptyPayload(t *testing.T) {
	p := NewLengthPrefix(0)

	f := frame(t, p, nil)
	assert.Equal(t, 4, p.CheckPackageLength(f))

	got, err := p.Unpack(f)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLengthPrefix_UnpackShortFrame(t *testing.T) {
	p := NewLengthPrefix(0)
	_, err := p.Unpack([]byte{1, 2})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestZstd_RoundTripCompressible(t *testing.T) {
	z, err := NewZstd(nil)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("abcdefgh"), 1024)
	f := frame(t, z, payload)

	// Compressible data must actually shrink on the wire.
	assert.Less(t, len(f), len(payload))

	n := z.CheckPackageLength(f)
	require.Equal(t, len(f), n)

	got, err := z.Unpack(f)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestZstd_RoundTripSmallPayload(t *testing.T) {
	z, err := NewZstd(nil)
	require.NoError(t, err)

	payload := []byte("hi")
	f := frame(t, z, payload)

	got, err := z.Unpack(f)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestZstd_RoundTripIncompressible(t *testing.T) {
	z, err := NewZstd(nil)
	require.NoError(t, err)

	// Pseudo-random bytes do not compress; the codec must fall back.
	payload := make([]byte, 4096)
	state := uint32(0x9e3779b9)
	for i := range payload {
		state = state*1664525 + 1013904223
		payload[i] = byte(state >> 24)
	}

	f := frame(t, z, payload)
	got, err := z.Unpack(f)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestZstd_UnpackEmptyFrame(t *testing.T) {
	z, err := NewZstd(nil)
	require.NoError(t, err)

	hdr, err := z.BuildPackageHeader(0)
	require.NoError(t, err)
	_, err = z.Unpack(hdr)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}
