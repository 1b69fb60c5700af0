// Package dispatcher routes connmux HTTP requests: identity issuance, out-of-band
// sends, and transport negotiation. For each negotiated transport it races the
// transport's request processing against the connection's endpoint invocation.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"go.uber.org/multierr"

	"github.com/sammck-go/connmux/pkg/muxconn"
	"github.com/sammck-go/connmux/pkg/muxpipe"
	"github.com/sammck-go/connmux/pkg/transports"
	muxshare "github.com/sammck-go/connmux/share"
)

// UserHeader carries the caller identity when a fronting proxy has authenticated it
const UserHeader = "X-Forwarded-User"

// Config holds the dispatcher's settings
type Config struct {
	// BasePath is stripped from request paths before routing; "" routes at the root
	BasePath string

	// PollTimeout bounds a single poll request
	PollTimeout time.Duration

	// SubFormatDefault is recorded when a negotiation carries no formatType
	SubFormatDefault string

	// DrainTimeout bounds how long a persistent transport may keep delivering output
	// after the endpoint has returned
	DrainTimeout time.Duration

	// WS tunes the websocket transport
	WS muxshare.WebSocketConfig
}

// DefaultDrainTimeout is used when Config.DrainTimeout is zero
const DefaultDrainTimeout = 5 * time.Second

// ConfigFrom extracts the dispatcher settings from a server Config
func ConfigFrom(c *muxshare.Config) Config {
	return Config{
		BasePath:         c.BasePath,
		PollTimeout:      c.PollTimeout,
		SubFormatDefault: c.SubFormatDefault,
		DrainTimeout:     c.DrainTimeout,
		WS:               c.WS,
	}
}

// Dispatcher is an http.Handler serving the connmux routes for one endpoint.
type Dispatcher struct {
	muxshare.Logger
	registry   *muxconn.Registry
	endpoint   Endpoint
	config     Config
	transports map[string]transports.Transport
	stats      muxshare.ConnStats
}

// New creates a Dispatcher that hosts endpoint over the connections in registry
func New(logger muxshare.Logger, registry *muxconn.Registry, endpoint Endpoint, config Config) *Dispatcher {
	if config.SubFormatDefault == "" {
		config.SubFormatDefault = "json"
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	config.BasePath = strings.TrimSuffix(config.BasePath, "/")
	d := &Dispatcher{
		Logger:     logger.Fork("dispatcher"),
		registry:   registry,
		endpoint:   endpoint,
		config:     config,
		transports: make(map[string]transports.Transport),
	}
	d.SetTransport(transports.NewServerSentEvents(d.Logger))
	d.SetTransport(transports.NewWebSocket(d.Logger, config.WS))
	d.SetTransport(transports.NewLongPolling(d.Logger, config.PollTimeout))
	return d
}

// SetTransport installs t as the handler of the route named t.Name()
func (d *Dispatcher) SetTransport(t transports.Transport) {
	d.transports[t.Name()] = t
}

// Registry returns the registry the dispatcher serves connections from
func (d *Dispatcher) Registry() *muxconn.Registry {
	return d.registry
}

// Stats returns the session counts and the bytes moved by closed sessions
func (d *Dispatcher) Stats() *muxshare.ConnStats {
	return &d.stats
}

// StatusFor maps an error to the HTTP status it is reported with
func StatusFor(err error) int {
	switch {
	case errors.Is(err, muxconn.ErrMissingID):
		return http.StatusBadRequest
	case errors.Is(err, muxconn.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, muxconn.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, muxconn.ErrConnectionBusy),
		errors.Is(err, muxconn.ErrConnectionBound),
		errors.Is(err, muxconn.ErrNotBound):
		return http.StatusConflict
	case errors.Is(err, muxpipe.ErrClosed), errors.Is(err, muxpipe.ErrWriteClosed):
		return http.StatusGone
	case errors.Is(err, muxconn.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	d.DLogf("%s %s: %d %s", r.Method, r.URL.Path, code, err)
	http.Error(w, err.Error(), code)
}

// ServeHTTP implements http.Handler. Routes are method-agnostic.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := strings.CutPrefix(r.URL.Path, d.config.BasePath)
	if !ok || (route != "" && route[0] != '/') {
		http.NotFound(w, r)
		return
	}
	route = strings.TrimPrefix(route, "/")
	switch route {
	case "getid":
		d.handleGetID(w, r)
	case "send":
		d.handleSend(w, r)
	default:
		t, ok := d.transports[route]
		if !ok {
			http.NotFound(w, r)
			return
		}
		d.negotiate(w, r, t)
	}
}

func (d *Dispatcher) handleGetID(w http.ResponseWriter, r *http.Request) {
	conn, err := d.registry.Create(d.endpoint.Mode())
	if err != nil {
		d.fail(w, r, err)
		return
	}
	id := conn.ID()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(id)))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, id)
}

func (d *Dispatcher) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		d.fail(w, r, muxconn.ErrMissingID)
		return
	}
	conn, ok := d.registry.Lookup(id)
	if !ok {
		d.fail(w, r, muxconn.ErrUnknownConnection)
		return
	}
	if conn.Mode() != muxconn.ModeStreaming {
		d.fail(w, r, muxconn.ErrNotImplemented)
		return
	}
	duplex := conn.Duplex()
	if duplex == nil {
		d.fail(w, r, muxconn.ErrNotBound)
		return
	}
	n, err := io.Copy(duplex, r.Body)
	if err != nil {
		d.fail(w, r, err)
		return
	}
	d.TLogf("%s: send delivered %s", conn, sizestr.ToString(n))
	w.WriteHeader(http.StatusOK)
}

// userOf returns the identity of the caller behind r
func userOf(r *http.Request) string {
	if u := r.Header.Get(UserHeader); u != "" {
		return u
	}
	return r.RemoteAddr
}

func (d *Dispatcher) negotiate(w http.ResponseWriter, r *http.Request, t transports.Transport) {
	q := r.URL.Query()
	format := muxconn.ParseFormat(q.Get("format"))
	subFormat := q.Get("formatType")
	if subFormat == "" {
		subFormat = d.config.SubFormatDefault
	}

	res, err := d.registry.Resolve(q.Get("id"), d.endpoint.Mode())
	if err != nil {
		d.fail(w, r, err)
		return
	}
	defer res.Release()

	if transports.IsPersistent(t.Name()) {
		if res.Status == muxconn.Reused {
			d.fail(w, r, muxconn.ErrConnectionBound)
			return
		}
		err = d.runPersistent(w, r, t, res.Conn, format, subFormat)
	} else {
		if res.Status == muxconn.Reused &&
			(res.Conn.PendingEndpoint() == nil || res.Conn.Metadata().Transport != t.Name()) {
			d.fail(w, r, muxconn.ErrConnectionBound)
			return
		}
		err = d.runPoll(w, r, t, res, format, subFormat)
	}
	if err != nil {
		d.WLogf("%s: %s session ended with error: %s", res.Conn, t.Name(), err)
	}
}

// runPersistent owns conn for the life of the logical connection. Whichever of the
// transport and the endpoint ends first, the binding is disposed so the other unblocks,
// both are awaited and the connection is unregistered.
func (d *Dispatcher) runPersistent(
	w http.ResponseWriter,
	r *http.Request,
	t transports.Transport,
	conn *muxconn.Connection,
	format muxconn.Format,
	subFormat string,
) error {
	conn.Describe(t.Name(), format, subFormat)
	conn.SetUser(userOf(r))
	duplex := conn.Duplex()

	// a client disconnect ends the application's input without destroying the connection
	stop := context.AfterFunc(r.Context(), func() {
		d.DLogf("%s: client disconnected", conn)
		duplex.CloseInput()
	})
	defer stop()

	d.stats.New()
	d.stats.Open()
	d.DLogf("%s: %s session open for %s %s", conn, t.Name(), conn.User(), d.stats.String())

	transport := muxconn.Go(func() error { return t.ProcessRequest(r.Context(), w, r, conn) })
	endpoint := muxconn.Go(func() error { return d.endpoint.ServeConnection(conn) })

	if muxconn.First(transport, endpoint) == endpoint {
		d.DLogf("%s: endpoint finished first", conn)
		if duplex.OutputComplete() {
			// let the transport deliver what the application wrote before it returned
			select {
			case <-transport.Done():
			case <-time.After(d.config.DrainTimeout):
				d.DLogf("%s: transport did not drain output within %s", conn, d.config.DrainTimeout)
			}
			if !duplex.OutputDrained() {
				d.DLogf("%s: discarding undelivered output", conn)
			}
		}
	} else {
		d.DLogf("%s: transport finished first", conn)
	}
	conn.Dispose()
	err := multierr.Combine(endpoint.Wait(), transport.Wait())

	d.registry.Remove(conn.ID())
	conn.SetActive(false)
	d.stats.Close(duplex.BytesIn(), duplex.BytesOut())
	d.DLogf("%s: %s session closed after %s (in %s out %s) %s", conn, t.Name(),
		time.Since(conn.CreatedAt()).Round(time.Millisecond),
		sizestr.ToString(duplex.BytesIn()), sizestr.ToString(duplex.BytesOut()), d.stats.String())
	return err
}

// runPoll serves one poll request. The first poll for a connection starts its endpoint
// invocation; later polls rejoin it. The connection stays registered when the poll ends.
func (d *Dispatcher) runPoll(
	w http.ResponseWriter,
	r *http.Request,
	t transports.Transport,
	res muxconn.Resolved,
	format muxconn.Format,
	subFormat string,
) error {
	conn := res.Conn
	conn.SetActive(true)
	defer conn.SetActive(false)
	duplex := conn.Duplex()

	// a client disconnect ends only this poll cycle
	hooked := make(chan struct{})
	stop := context.AfterFunc(r.Context(), func() {
		defer close(hooked)
		d.DLogf("%s: poll client disconnected", conn)
		duplex.Signal()
	})
	defer func() {
		if stop() {
			return
		}
		// the hook may have fired after the poll answered; its wakeup must not reach the next poll
		<-hooked
		if n := duplex.DropSignals(); n > 0 {
			d.TLogf("%s: discarded %d stale poll wakeups", conn, n)
		}
	}()

	poll := muxconn.Go(func() error { return t.ProcessRequest(r.Context(), w, r, conn) })

	var endpoint *muxconn.Task
	if res.Status == muxconn.Created {
		conn.Describe(t.Name(), format, subFormat)
		conn.SetUser(userOf(r))
		d.stats.New()
		d.stats.Open()
		d.DLogf("%s: poll session open for %s %s", conn, conn.User(), d.stats.String())
		// the close hook is in place before the endpoint runs, so a shutdown in between
		// still awaits it
		started := make(chan struct{})
		conn.SetCloseHook(func() error {
			conn.Dispose()
			<-started
			return endpoint.Wait()
		})
		endpoint = muxconn.Go(func() error { return d.endpoint.ServeConnection(conn) })
		close(started)
		conn.SetPendingEndpoint(endpoint)
		go d.reapPoll(conn, endpoint)
	} else {
		endpoint = conn.PendingEndpoint()
	}

	if muxconn.First(poll, endpoint) == poll && !endpoint.IsDone() {
		return pollResult(poll.Wait())
	}

	// the endpoint has ended the logical connection
	if duplex.OutputComplete() {
		// the client learns of the end from the 204 that follows the remaining output
		if err := poll.Wait(); !errors.Is(err, io.EOF) {
			return err
		}
		conn.Dispose()
		d.DLogf("%s: poll session closed (in %s out %s)", conn,
			sizestr.ToString(duplex.BytesIn()), sizestr.ToString(duplex.BytesOut()))
		return endpoint.Wait()
	}
	conn.Dispose()
	d.DLogf("%s: endpoint finished, poll session closed (in %s out %s)", conn,
		sizestr.ToString(duplex.BytesIn()), sizestr.ToString(duplex.BytesOut()))
	return multierr.Combine(endpoint.Wait(), pollResult(poll.Wait()))
}

// reapPoll unregisters a polled connection once its endpoint has returned and its
// binding is disposed, whichever path disposed it
func (d *Dispatcher) reapPoll(conn *muxconn.Connection, endpoint *muxconn.Task) {
	<-endpoint.Done()
	<-conn.Context().Done()
	d.registry.Remove(conn.ID())
	duplex := conn.Duplex()
	d.stats.Close(duplex.BytesIn(), duplex.BytesOut())
	d.DLogf("%s: poll connection released after %s %s, closed sessions moved %s", conn,
		time.Since(conn.CreatedAt()).Round(time.Millisecond), d.stats.String(), d.stats.Traffic())
}

// pollResult drops the io.EOF a poll transport returns after telling the client the
// output has ended
func pollResult(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
