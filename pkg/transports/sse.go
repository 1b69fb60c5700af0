package transports

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"net/http"

	"github.com/sammck-go/connmux/pkg/muxconn"
	muxshare "github.com/sammck-go/connmux/share"
)

// ServerSentEvents pushes application output to the client as an event stream.
// It carries no client input; clients submit data with the dispatcher's send route.
//
// Each frame is one event with a data line per payload line, so a client joining the
// lines with "\n" gets the frame back. Binary frames, and text frames containing a
// carriage return (which the event stream format treats as a line break), are sent
// base64 encoded; the latter are marked with the event name EventBase64.
type ServerSentEvents struct {
	muxshare.Logger
}

// EventBase64 names events whose data is the base64 encoding of a text frame
const EventBase64 = "base64"

// NewServerSentEvents creates the SSE transport
func NewServerSentEvents(logger muxshare.Logger) *ServerSentEvents {
	return &ServerSentEvents{Logger: logger.Fork("sse")}
}

// Name implements Transport
func (t *ServerSentEvents) Name() string {
	return NameSSE
}

// ProcessRequest implements Transport. It streams until the application closes its
// output, the binding is disposed, or ctx is done.
func (t *ServerSentEvents) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *muxconn.Connection) error {
	duplex, err := boundDuplex(conn)
	if err != nil {
		return err
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return t.Errorf("response writer does not support flushing")
	}
	binary := conn.Metadata().Format == muxconn.FormatBinary

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	for {
		frame, err := duplex.ReadFrame(ctx)
		if err != nil {
			if endOfStream(err) {
				t.TLogf("%s: stream ended: %s", conn, err)
				return nil
			}
			return err
		}
		if len(frame) == 0 {
			continue
		}
		event := ""
		switch {
		case binary:
			frame = []byte(base64.StdEncoding.EncodeToString(frame))
		case bytes.IndexByte(frame, '\r') >= 0:
			event = EventBase64
			frame = []byte(base64.StdEncoding.EncodeToString(frame))
		}
		writeEvent(bw, event, frame)
		if err := bw.Flush(); err != nil {
			return t.Errorf("%s: write failed: %s", conn, err)
		}
		flusher.Flush()
	}
}

// writeEvent writes one event, with a data field per line of payload. payload must
// not contain '\r'.
func writeEvent(bw *bufio.Writer, event string, payload []byte) {
	if event != "" {
		bw.WriteString("event: " + event + "\n")
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		bw.WriteString("data: ")
		bw.Write(line)
		bw.WriteByte('\n')
	}
	bw.WriteByte('\n')
}
