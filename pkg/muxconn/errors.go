package muxconn

import "errors"

var (
	// ErrMissingID is returned when a request that requires a connection id has none
	ErrMissingID = errors.New("connection id required")

	// ErrUnknownConnection is returned for an id that is not in the registry
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrNotImplemented is returned for operations the connection's mode does not support
	ErrNotImplemented = errors.New("operation not implemented for connection mode")

	// ErrConnectionBusy is returned when another physical request currently owns the connection
	ErrConnectionBusy = errors.New("connection is busy with another request")

	// ErrConnectionBound is returned when a transport tries to take over a connection that
	// is already bound to a session
	ErrConnectionBound = errors.New("connection already bound to a transport")

	// ErrNotBound is returned when data is sent to a connection no transport has attached to yet
	ErrNotBound = errors.New("connection has no transport attached")

	// ErrRegistryClosed is returned by Create after the registry has shut down
	ErrRegistryClosed = errors.New("connection registry is shut down")
)
