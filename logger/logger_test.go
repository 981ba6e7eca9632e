package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLogger_EmitsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "server", zerolog.InfoLevel)

	l.Info("connection accepted", Field{Key: "cid", Value: 42})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "connection accepted", entry["message"])
	assert.Equal(t, "server", entry["component"])
	assert.Equal(t, float64(42), entry["cid"])
}

func TestWriterLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "server", zerolog.WarnLevel)

	l.Debug("dropped")
	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Error("kept")
	assert.NotZero(t, buf.Len())
}

func TestWith_DerivedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "server", zerolog.InfoLevel)

	derived := l.With(Field{Key: "listen_port", Value: 9000})
	derived.Info("bound")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(9000), entry["listen_port"])
}

func TestNop_DoesNothing(t *testing.T) {
	l := Nop()
	// Must not panic and With must return a usable logger.
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	l.With(Field{Key: "k", Value: "v"}).Info("x")
}
