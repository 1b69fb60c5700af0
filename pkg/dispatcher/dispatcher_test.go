package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sammck-go/connmux/pkg/muxconn"
	"github.com/sammck-go/connmux/pkg/muxpipe"
	"github.com/sammck-go/connmux/pkg/transports"
	muxshare "github.com/sammck-go/connmux/share"
)

func testLogger(t *testing.T) muxshare.Logger {
	return muxshare.NewLogger(zaptest.NewLogger(t), t.Name(), muxshare.LogLevelDebug)
}

func newTestDispatcher(t *testing.T, ep Endpoint, opts ...muxconn.RegistryOption) *Dispatcher {
	lg := testLogger(t)
	reg := muxconn.NewRegistry(lg, opts...)
	t.Cleanup(func() { reg.Close() })
	return New(lg, reg, ep, Config{BasePath: "/connmux", PollTimeout: 20 * time.Millisecond})
}

func serve(d *Dispatcher, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, r)
	return rec
}

// countingEndpoint counts invocations. With no fn it runs until the connection is disposed.
type countingEndpoint struct {
	mode    muxconn.Mode
	starts  atomic.Int32
	started chan struct{}
	fn      func(conn *muxconn.Connection) error
}

func newCountingEndpoint(fn func(conn *muxconn.Connection) error) *countingEndpoint {
	return &countingEndpoint{mode: muxconn.ModeStreaming, started: make(chan struct{}, 16), fn: fn}
}

func (e *countingEndpoint) Mode() muxconn.Mode {
	return e.mode
}

func (e *countingEndpoint) ServeConnection(conn *muxconn.Connection) error {
	e.starts.Add(1)
	e.started <- struct{}{}
	if e.fn != nil {
		return e.fn(conn)
	}
	<-conn.Context().Done()
	return nil
}

func (e *countingEndpoint) waitStarted(t *testing.T) {
	select {
	case <-e.started:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint was never started")
	}
}

// drainInput reads the application's input until it ends
func drainInput(conn *muxconn.Connection) error {
	for {
		if _, err := conn.ReadFrame(context.Background()); err != nil {
			return nil
		}
	}
}

// countingTransport counts calls into the transport it wraps
type countingTransport struct {
	transports.Transport
	starts atomic.Int32
}

func (t *countingTransport) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *muxconn.Connection) error {
	t.starts.Add(1)
	return t.Transport.ProcessRequest(ctx, w, r, conn)
}

// pipeTransport stands in for a persistent transport. It ignores the request context
// and drains application output until the pipe reports an error.
type pipeTransport struct {
	name     string
	starts   atomic.Int32
	observed chan error
}

func newPipeTransport(name string) *pipeTransport {
	return &pipeTransport{name: name, observed: make(chan error, 16)}
}

func (t *pipeTransport) Name() string {
	return t.name
}

func (t *pipeTransport) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *muxconn.Connection) error {
	t.starts.Add(1)
	d := conn.Duplex()
	for {
		if _, err := d.ReadFrame(context.Background()); err != nil {
			time.Sleep(10 * time.Millisecond)
			t.observed <- err
			return nil
		}
	}
}

// recordingDuplex records which disconnect primitive was used
type recordingDuplex struct {
	*muxpipe.Pipe
	closeInputs atomic.Int32
	signals     atomic.Int32
}

func (d *recordingDuplex) CloseInput() error {
	d.closeInputs.Add(1)
	return d.Pipe.CloseInput()
}

func (d *recordingDuplex) Signal() error {
	d.signals.Add(1)
	return d.Pipe.Signal()
}

func withRecordingDuplex() muxconn.RegistryOption {
	return muxconn.WithDuplexFactory(func() muxpipe.Duplex {
		return &recordingDuplex{Pipe: muxpipe.New()}
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func getID(t *testing.T, d *Dispatcher) string {
	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/getid", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("getid answered %d", rec.Code)
	}
	return rec.Body.String()
}

func TestGetIDReturnsIdentityWithExactLength(t *testing.T) {
	d := newTestDispatcher(t, newCountingEndpoint(nil),
		muxconn.WithIDGenerator(func() (string, error) { return "abc123", nil }))
	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/getid", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("getid answered %d", rec.Code)
	}
	if got := rec.Body.String(); got != "abc123" {
		t.Errorf("getid body = %q, expected \"abc123\"", got)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "6" {
		t.Errorf("Content-Length = %q, expected 6", cl)
	}
	c, ok := d.Registry().Lookup("abc123")
	if !ok {
		t.Fatal("issued identity is not registered")
	}
	if c.Duplex() != nil {
		t.Errorf("getid bound a transport")
	}
}

func TestRoutingRejectsUnknownPaths(t *testing.T) {
	d := newTestDispatcher(t, newCountingEndpoint(nil))
	for _, path := range []string{"/connmux/nope", "/other/getid", "/connmux"} {
		if rec := serve(d, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusNotFound {
			t.Errorf("%s answered %d, expected 404", path, rec.Code)
		}
	}
	if d.Registry().Len() != 0 {
		t.Errorf("unknown routes created connections")
	}
}

func TestSendWithoutIDFails(t *testing.T) {
	d := newTestDispatcher(t, newCountingEndpoint(nil))
	d.Registry().Create(muxconn.ModeStreaming)
	rec := serve(d, httptest.NewRequest(http.MethodPost, "/connmux/send", strings.NewReader("hello")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("send without id answered %d, expected 400", rec.Code)
	}
	if d.Registry().Len() != 1 {
		t.Errorf("send without id changed the registry")
	}
}

func TestSendWithUnknownIDFails(t *testing.T) {
	d := newTestDispatcher(t, newCountingEndpoint(nil))
	res, err := d.Registry().Resolve("", muxconn.ModeStreaming)
	if err != nil {
		t.Fatalf("Resolve returned error: %s", err)
	}
	res.Release()
	rec := serve(d, httptest.NewRequest(http.MethodPost, "/connmux/send?id=unknown", strings.NewReader("hello")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("send with unknown id answered %d, expected 404", rec.Code)
	}
	if d.Registry().Len() != 1 {
		t.Errorf("send with unknown id changed the registry")
	}
	if n := res.Conn.Duplex().BytesIn(); n != 0 {
		t.Errorf("send with unknown id delivered %d bytes to an existing connection", n)
	}
}

func TestSendDeliversBodyToApplication(t *testing.T) {
	d := newTestDispatcher(t, newCountingEndpoint(nil))
	res, err := d.Registry().Resolve("", muxconn.ModeStreaming)
	if err != nil {
		t.Fatalf("Resolve returned error: %s", err)
	}
	res.Release()
	rec := serve(d, httptest.NewRequest(http.MethodPost, "/connmux/send?id="+res.Conn.ID(), strings.NewReader("hello")))
	if rec.Code != http.StatusOK {
		t.Fatalf("send answered %d: %s", rec.Code, rec.Body.String())
	}
	res.Conn.Duplex().CloseInput()
	got, err := io.ReadAll(res.Conn)
	if err != nil {
		t.Fatalf("reading application input failed: %s", err)
	}
	if string(got) != "hello" {
		t.Errorf("application received %q, expected \"hello\"", got)
	}
}

func TestSendRejectsUnboundAndMessagingConnections(t *testing.T) {
	d := newTestDispatcher(t, newCountingEndpoint(nil))
	unbound, _ := d.Registry().Create(muxconn.ModeStreaming)
	rec := serve(d, httptest.NewRequest(http.MethodPost, "/connmux/send?id="+unbound.ID(), strings.NewReader("x")))
	if rec.Code != http.StatusConflict {
		t.Errorf("send to unbound connection answered %d, expected 409", rec.Code)
	}

	messaging, _ := d.Registry().Create(muxconn.ModeMessaging)
	rec = serve(d, httptest.NewRequest(http.MethodPost, "/connmux/send?id="+messaging.ID(), strings.NewReader("x")))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("send to messaging connection answered %d, expected 501", rec.Code)
	}
}

func TestPollUnknownIDFails(t *testing.T) {
	ep := newCountingEndpoint(nil)
	d := newTestDispatcher(t, ep)
	existing, _ := d.Registry().Create(muxconn.ModeStreaming)
	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id=unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("poll with unknown id answered %d, expected 404", rec.Code)
	}
	if d.Registry().Len() != 1 || existing.Duplex() != nil || existing.IsActive() {
		t.Errorf("poll with unknown id mutated the registry")
	}
	if ep.starts.Load() != 0 {
		t.Errorf("poll with unknown id started the endpoint")
	}
}

func TestSequentialPollsShareOneEndpointInvocation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ep := newCountingEndpoint(func(conn *muxconn.Connection) error {
		// an item under a metadata field's name must not disturb the metadata
		conn.SetItem("Transport", "endpoint state")
		<-conn.Context().Done()
		return nil
	})
	d := newTestDispatcher(t, ep, muxconn.WithClock(clock.Now))
	ct := &countingTransport{Transport: transports.NewLongPolling(testLogger(t), 10*time.Millisecond)}
	d.SetTransport(ct)

	id := getID(t, d)
	conn, _ := d.Registry().Lookup(id)
	const n = 5
	for i := 0; i < n; i++ {
		clock.Advance(time.Second)
		before := clock.Now()
		rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("poll %d answered %d: %s", i, rec.Code, rec.Body.String())
		}
		if _, ok := d.Registry().Lookup(id); !ok {
			t.Fatalf("connection was unregistered after poll %d", i)
		}
		if conn.IsActive() {
			t.Errorf("connection still active after poll %d", i)
		}
		if conn.LastSeen().Before(before) {
			t.Errorf("lastSeen %v did not advance to %v after poll %d", conn.LastSeen(), before, i)
		}
	}
	if got := ep.starts.Load(); got != 1 {
		t.Errorf("endpoint started %d times, expected 1", got)
	}
	if got := ct.starts.Load(); got != n {
		t.Errorf("poll transport started %d times, expected %d", got, n)
	}
	if md := conn.Metadata(); md.Transport != transports.NameLongPolling || md.SubFormat != "json" {
		t.Errorf("metadata = %+v, expected poll transport with json sub-format", md)
	}
	if v, ok := conn.Item("Transport"); !ok || v != "endpoint state" {
		t.Errorf("endpoint item = (%v, %v) after %d polls, expected it kept", v, ok, n)
	}
}

func TestPollDeliversOutputAndEndsWithEndpoint(t *testing.T) {
	release := make(chan struct{})
	ep := newCountingEndpoint(func(conn *muxconn.Connection) error {
		conn.Write([]byte("hi"))
		<-release
		return errors.New("endpoint done")
	})
	d := newTestDispatcher(t, ep)
	d.SetTransport(transports.NewLongPolling(testLogger(t), time.Minute))
	id := getID(t, d)

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "hi" {
		t.Errorf("first poll answered %d %q, expected 200 \"hi\"", rec.Code, rec.Body.String())
	}

	close(release)
	rec = serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("poll after endpoint ended answered %d, expected 204", rec.Code)
	}
	if conn, ok := d.Registry().Lookup(id); ok && conn.Context().Err() == nil {
		t.Errorf("connection was not disposed after its endpoint ended")
	}
	rec = serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("poll of ended connection answered %d, expected 404", rec.Code)
	}

	// the ended connection is unregistered and its session counted closed
	deadline := time.Now().Add(time.Second)
	for d.Registry().Len() != 0 || d.Stats().NumOpen() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ended poll connection not released: %d registered, stats %s", d.Registry().Len(), d.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d.Stats().BytesOut() != 2 {
		t.Errorf("closed sessions wrote %d bytes, expected 2", d.Stats().BytesOut())
	}
}

func TestPersistentSecondRequestDoesNotRestartEndpoint(t *testing.T) {
	ep := newCountingEndpoint(drainInput)
	d := newTestDispatcher(t, ep)
	pt := newPipeTransport(transports.NameSSE)
	d.SetTransport(pt)
	id := getID(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	first := muxconn.Go(func() error {
		req := httptest.NewRequest(http.MethodGet, "/connmux/sse?id="+id, nil).WithContext(ctx)
		serve(d, req)
		return nil
	})
	ep.waitStarted(t)

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/sse?id="+id, nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("second persistent request answered %d, expected 409", rec.Code)
	}

	cancel()
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("persistent session did not end after client disconnect")
	}
	if got := ep.starts.Load(); got != 1 {
		t.Errorf("endpoint started %d times, expected 1", got)
	}
	if got := pt.starts.Load(); got != 1 {
		t.Errorf("transport started %d times, expected 1", got)
	}
	if _, ok := d.Registry().Lookup(id); ok {
		t.Errorf("connection still registered after persistent session ended")
	}
}

func TestPersistentRejectsConnectionBoundByPoll(t *testing.T) {
	ep := newCountingEndpoint(nil)
	d := newTestDispatcher(t, ep)
	id := getID(t, d)
	if rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil)); rec.Code != http.StatusOK {
		t.Fatalf("poll answered %d", rec.Code)
	}
	for _, route := range []string{"sse", "ws"} {
		rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/"+route+"?id="+id, nil))
		if rec.Code != http.StatusConflict {
			t.Errorf("%s on a poll-bound connection answered %d, expected 409", route, rec.Code)
		}
	}
	if got := ep.starts.Load(); got != 1 {
		t.Errorf("endpoint started %d times, expected 1", got)
	}
}

func TestPersistentEndpointFirstDisposesPipeAndAwaitsTransport(t *testing.T) {
	ep := newCountingEndpoint(func(conn *muxconn.Connection) error {
		return fmt.Errorf("application finished")
	})
	d := newTestDispatcher(t, ep)
	pt := newPipeTransport(transports.NameWebSocket)
	d.SetTransport(pt)

	serve(d, httptest.NewRequest(http.MethodGet, "/connmux/ws", nil))

	select {
	case err := <-pt.observed:
		if !errors.Is(err, muxpipe.ErrClosed) {
			t.Errorf("transport observed %v, expected pipe disposal", err)
		}
	default:
		t.Fatal("session completed before the transport observed disposal and returned")
	}
	if d.Registry().Len() != 0 {
		t.Errorf("connection still registered after persistent session ended")
	}
	if d.Stats().NumOpen() != 0 || d.Stats().NumTotal() != 1 {
		t.Errorf("session stats %s, expected [0/1]", d.Stats())
	}
}

func TestPersistentDisconnectCompletesInput(t *testing.T) {
	ep := newCountingEndpoint(drainInput)
	d := newTestDispatcher(t, ep, withRecordingDuplex())
	d.SetTransport(newPipeTransport(transports.NameSSE))
	id := getID(t, d)
	conn, _ := d.Registry().Lookup(id)

	ctx, cancel := context.WithCancel(context.Background())
	session := muxconn.Go(func() error {
		serve(d, httptest.NewRequest(http.MethodGet, "/connmux/sse?id="+id, nil).WithContext(ctx))
		return nil
	})
	ep.waitStarted(t)
	cancel()
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("persistent session did not end after client disconnect")
	}

	rd := conn.Duplex().(*recordingDuplex)
	if rd.closeInputs.Load() != 1 || rd.signals.Load() != 0 {
		t.Errorf("persistent disconnect used CloseInput %d times and Signal %d times, expected 1 and 0",
			rd.closeInputs.Load(), rd.signals.Load())
	}
}

func TestPollDisconnectSignalsTransport(t *testing.T) {
	ep := newCountingEndpoint(nil)
	d := newTestDispatcher(t, ep, withRecordingDuplex())
	d.SetTransport(transports.NewLongPolling(testLogger(t), time.Minute))
	id := getID(t, d)
	conn, _ := d.Registry().Lookup(id)

	ctx, cancel := context.WithCancel(context.Background())
	var rec *httptest.ResponseRecorder
	poll := muxconn.Go(func() error {
		rec = serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil).WithContext(ctx))
		return nil
	})
	ep.waitStarted(t)
	cancel()
	select {
	case <-poll.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not end after client disconnect")
	}

	rd := conn.Duplex().(*recordingDuplex)
	if rd.signals.Load() != 1 || rd.closeInputs.Load() != 0 {
		t.Errorf("poll disconnect used Signal %d times and CloseInput %d times, expected 1 and 0",
			rd.signals.Load(), rd.closeInputs.Load())
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("disconnected poll answered %d with %d bytes, expected 200 and empty", rec.Code, rec.Body.Len())
	}
	if _, ok := d.Registry().Lookup(id); !ok || conn.Context().Err() != nil {
		t.Errorf("poll disconnect ended the logical connection")
	}
}

// answerThenDisconnect answers a poll, then has its client go away before the poll
// returns, and waits until the disconnect hook has signaled
type answerThenDisconnect struct {
	cancel context.CancelFunc
}

func (t *answerThenDisconnect) Name() string {
	return transports.NameLongPolling
}

func (t *answerThenDisconnect) ProcessRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, conn *muxconn.Connection) error {
	w.WriteHeader(http.StatusOK)
	t.cancel()
	rd := conn.Duplex().(*recordingDuplex)
	for rd.signals.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	return nil
}

func TestPollDisconnectAfterAnswerLeavesNoWakeup(t *testing.T) {
	ep := newCountingEndpoint(nil)
	d := newTestDispatcher(t, ep, withRecordingDuplex())
	id := getID(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	d.SetTransport(&answerThenDisconnect{cancel: cancel})
	serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil).WithContext(ctx))

	// a later poll with no output and a connected client waits out its full timeout
	const timeout = 200 * time.Millisecond
	d.SetTransport(transports.NewLongPolling(testLogger(t), timeout))
	start := time.Now()
	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
	if elapsed := time.Since(start); elapsed < timeout*3/4 {
		t.Errorf("poll answered after %s, expected it to wait about %s", elapsed, timeout)
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("idle poll answered %d with %d bytes, expected 200 and empty", rec.Code, rec.Body.Len())
	}
}

func TestConcurrentPollIsRejected(t *testing.T) {
	ep := newCountingEndpoint(nil)
	d := newTestDispatcher(t, ep)
	d.SetTransport(transports.NewLongPolling(testLogger(t), time.Minute))
	id := getID(t, d)
	conn, _ := d.Registry().Lookup(id)

	poll := muxconn.Go(func() error {
		serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
		return nil
	})
	ep.waitStarted(t)

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("overlapping poll answered %d, expected 409", rec.Code)
	}

	conn.Duplex().Signal()
	if err := poll.Wait(); err != nil {
		t.Errorf("first poll failed: %s", err)
	}
	if got := ep.starts.Load(); got != 1 {
		t.Errorf("endpoint started %d times, expected 1", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{muxconn.ErrMissingID, http.StatusBadRequest},
		{fmt.Errorf("%w: %q", muxconn.ErrUnknownConnection, "x"), http.StatusNotFound},
		{muxconn.ErrNotImplemented, http.StatusNotImplemented},
		{muxconn.ErrConnectionBusy, http.StatusConflict},
		{muxconn.ErrConnectionBound, http.StatusConflict},
		{muxconn.ErrNotBound, http.StatusConflict},
		{muxpipe.ErrClosed, http.StatusGone},
		{muxconn.ErrRegistryClosed, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := StatusFor(c.err); got != c.want {
			t.Errorf("StatusFor(%v) = %d, expected %d", c.err, got, c.want)
		}
	}
}

func TestPollDrainsOutputBeforeEndingConnection(t *testing.T) {
	ep := newCountingEndpoint(func(conn *muxconn.Connection) error {
		conn.Write([]byte("bye"))
		return conn.CloseWrite()
	})
	d := newTestDispatcher(t, ep)
	d.SetTransport(transports.NewLongPolling(testLogger(t), time.Minute))
	id := getID(t, d)

	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "bye" {
		t.Errorf("first poll answered %d %q, expected 200 \"bye\"", rec.Code, rec.Body.String())
	}
	conn, _ := d.Registry().Lookup(id)
	if conn.Context().Err() != nil {
		t.Fatalf("connection disposed before the client was told the output ended")
	}
	rec = serve(d, httptest.NewRequest(http.MethodGet, "/connmux/poll?id="+id, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("poll after output ended answered %d, expected 204", rec.Code)
	}
	if conn.Context().Err() == nil {
		t.Errorf("connection not disposed after the client was told the output ended")
	}
}

func TestPersistentDeliversFinalOutput(t *testing.T) {
	ep := newCountingEndpoint(func(conn *muxconn.Connection) error {
		conn.Write([]byte("bye"))
		return conn.CloseWrite()
	})
	d := newTestDispatcher(t, ep)
	rec := serve(d, httptest.NewRequest(http.MethodGet, "/connmux/sse", nil))
	if got := rec.Body.String(); got != "data: bye\n\n" {
		t.Errorf("event stream = %q, expected the endpoint's final output", got)
	}
	if d.Registry().Len() != 0 {
		t.Errorf("connection still registered after persistent session ended")
	}
}
