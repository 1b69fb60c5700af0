// Package transports implements the physical transports that carry a logical
// connection's frames: server-sent events, websockets and long polling.
package transports

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sammck-go/connmux/pkg/muxconn"
	"github.com/sammck-go/connmux/pkg/muxpipe"
)

const (
	// NameSSE is the name and route suffix of the server-sent events transport
	NameSSE = "sse"

	// NameWebSocket is the name and route suffix of the websocket transport
	NameWebSocket = "ws"

	// NameLongPolling is the name and route suffix of the long polling transport
	NameLongPolling = "poll"
)

// Transport moves frames between one physical request and a connection's binding.
type Transport interface {
	// Name returns the transport's name, as recorded in connection metadata
	Name() string

	// ProcessRequest serves one physical request for conn and returns when the
	// transport's part of the work is done. conn must already be bound.
	ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *muxconn.Connection) error
}

// IsPersistent reports whether a transport owns its connection for the whole logical
// connection lifetime, as opposed to one poll cycle
func IsPersistent(name string) bool {
	return name == NameSSE || name == NameWebSocket
}

// endOfStream reports whether err from a pipe read just means there is nothing more to move
func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, muxpipe.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func boundDuplex(conn *muxconn.Connection) (muxpipe.Duplex, error) {
	d := conn.Duplex()
	if d == nil {
		return nil, muxconn.ErrNotBound
	}
	return d, nil
}
