package dispatcher

import (
	"github.com/sammck-go/connmux/pkg/muxconn"
)

// Endpoint is the application logic behind a logical connection. ServeConnection is
// invoked exactly once per logical connection, however many physical requests carry
// it, and the connection ends when it returns. conn.Context() is canceled when the
// connection is disposed.
type Endpoint interface {
	// Mode is the mode of connections created for this endpoint
	Mode() muxconn.Mode

	// ServeConnection runs the application over conn
	ServeConnection(conn *muxconn.Connection) error
}

// EndpointFunc adapts a function as a streaming Endpoint
type EndpointFunc func(conn *muxconn.Connection) error

// Mode implements Endpoint
func (f EndpointFunc) Mode() muxconn.Mode {
	return muxconn.ModeStreaming
}

// ServeConnection implements Endpoint
func (f EndpointFunc) ServeConnection(conn *muxconn.Connection) error {
	return f(conn)
}
