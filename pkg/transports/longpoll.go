package transports

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sammck-go/connmux/pkg/muxconn"
	"github.com/sammck-go/connmux/pkg/muxpipe"
	muxshare "github.com/sammck-go/connmux/share"
)

// DefaultPollTimeout is how long a poll waits for output before answering empty
const DefaultPollTimeout = 90 * time.Second

// LongPolling answers one poll request with whatever output is ready, waiting up to
// Timeout for some to arrive.
//
// Responses:
//   - 200 with the concatenated frames when output is available
//   - 200 with an empty body on timeout or when woken by an empty frame
//   - 204 once the application's output has ended or the binding is disposed
//
// ProcessRequest returns io.EOF after answering 204 for ended output, so the caller can
// tell the client has been told to stop polling.
type LongPolling struct {
	muxshare.Logger
	Timeout time.Duration
}

// NewLongPolling creates the long polling transport
func NewLongPolling(logger muxshare.Logger, timeout time.Duration) *LongPolling {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &LongPolling{Logger: logger.Fork("poll"), Timeout: timeout}
}

// Name implements Transport
func (t *LongPolling) Name() string {
	return NameLongPolling
}

// ProcessRequest implements Transport.
func (t *LongPolling) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *muxconn.Connection) error {
	duplex, err := boundDuplex(conn)
	if err != nil {
		return err
	}
	// A client disconnect reaches this wait as an empty frame rather than through ctx,
	// so the wait ends without leaving a stale wakeup queued for the next poll.
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.Timeout)
	defer cancel()

	frame, err := duplex.ReadFrame(pollCtx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		t.TLogf("%s: poll timed out", conn)
		w.WriteHeader(http.StatusOK)
		return nil
	case errors.Is(err, io.EOF):
		t.DLogf("%s: output ended, terminating poll", conn)
		w.WriteHeader(http.StatusNoContent)
		return io.EOF
	case errors.Is(err, muxpipe.ErrClosed):
		t.DLogf("%s: connection disposed, terminating poll", conn)
		w.WriteHeader(http.StatusNoContent)
		return nil
	case err != nil:
		return err
	}
	if len(frame) == 0 {
		t.TLogf("%s: poll woken without output", conn)
		w.WriteHeader(http.StatusOK)
		return nil
	}

	body := frame
	for {
		next, ok := duplex.TryReadFrame()
		if !ok {
			break
		}
		body = append(body, next...)
	}
	if conn.Metadata().Format == muxconn.FormatBinary {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		return t.DLogErrorf("%s: write failed: %s", conn, err)
	}
	return nil
}
