package server

import "errors"

// Lifecycle errors returned by Init, AddListening and Start. Per-connection
// failures are never surfaced through return values; they arrive as OnClosed
// callbacks.
var (
	// ErrAlreadyRunning is returned by Init while the server is running.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrNotInitialised is returned by AddListening and Start before Init,
	// and by Start after Shutdown.
	ErrNotInitialised = errors.New("server: not initialised")

	// ErrNoService is returned by Init when no Service was supplied.
	ErrNoService = errors.New("server: no service callback")
)
