package transports

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/sammck-go/connmux/pkg/muxconn"
	"github.com/sammck-go/connmux/pkg/muxpipe"
	muxshare "github.com/sammck-go/connmux/share"
)

// DefaultCloseTimeout bounds how long one direction of a websocket waits for the
// other after it finishes
const DefaultCloseTimeout = 5 * time.Second

// WebSocket carries frames in both directions over an upgraded websocket, one
// message per frame.
type WebSocket struct {
	muxshare.Logger
	upgrader     websocket.Upgrader
	CloseTimeout time.Duration
}

// NewWebSocket creates the websocket transport. Unless config.CheckOrigin is set,
// upgrades from any origin are accepted.
func NewWebSocket(logger muxshare.Logger, config muxshare.WebSocketConfig) *WebSocket {
	t := &WebSocket{
		Logger: logger.Fork("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
		},
		CloseTimeout: DefaultCloseTimeout,
	}
	if !config.CheckOrigin {
		t.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return t
}

// Name implements Transport
func (t *WebSocket) Name() string {
	return NameWebSocket
}

// ProcessRequest implements Transport. It upgrades the request and runs a reader and
// a writer loop until either the client or the application ends its direction.
func (t *WebSocket) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *muxconn.Connection) error {
	duplex, err := boundDuplex(conn)
	if err != nil {
		return err
	}
	// Upgrade replies to the client itself on failure
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return t.DLogErrorf("%s: upgrade failed: %s", conn, err)
	}
	msgType := websocket.TextMessage
	if conn.Metadata().Format == muxconn.FormatBinary {
		msgType = websocket.BinaryMessage
	}
	t.DLogf("%s: websocket open from %s", conn, ws.RemoteAddr())

	var closing atomic.Bool
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	sending := muxconn.Go(func() error { return t.send(sendCtx, ws, duplex, msgType) })
	receiving := muxconn.Go(func() error { return t.receive(ws, duplex, &closing) })

	if muxconn.First(receiving, sending) == receiving {
		// the client is gone; let the application flush its remaining output
		select {
		case <-sending.Done():
		case <-time.After(t.CloseTimeout):
			t.DLogf("%s: application did not finish within %s after client close", conn, t.CloseTimeout)
			cancelSend()
		}
	} else {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		select {
		case <-receiving.Done():
		case <-time.After(t.CloseTimeout):
			t.DLogf("%s: client did not acknowledge close within %s", conn, t.CloseTimeout)
		}
	}
	closing.Store(true)
	ws.Close()

	err = multierr.Combine(sending.Wait(), receiving.Wait())
	t.DLogf("%s: websocket closed", conn)
	return err
}

// send forwards application frames to the client until the application's output ends
func (t *WebSocket) send(ctx context.Context, ws *websocket.Conn, duplex muxpipe.Duplex, msgType int) error {
	for {
		frame, err := duplex.ReadFrame(ctx)
		if err != nil {
			if endOfStream(err) {
				return nil
			}
			return err
		}
		if len(frame) == 0 {
			continue
		}
		if err := ws.WriteMessage(msgType, frame); err != nil {
			return t.DLogErrorf("write failed: %s", err)
		}
	}
}

// receive forwards client messages to the application, and completes the application's
// input when the client closes
func (t *WebSocket) receive(ws *websocket.Conn, duplex muxpipe.Duplex, closing *atomic.Bool) error {
	defer duplex.CloseInput()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if closing.Load() || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return t.DLogErrorf("read failed: %s", err)
		}
		if err := duplex.WriteFrame(msg); err != nil {
			// binding disposed; nobody is reading
			return nil
		}
	}
}
