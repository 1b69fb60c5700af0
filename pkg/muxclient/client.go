// Package muxclient is a Go client for connmux servers: it reserves connection ids,
// sends data, and receives output by long polling, server-sent events or websocket.
package muxclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/sammck-go/connmux/pkg/transports"
	muxshare "github.com/sammck-go/connmux/share"
)

// ErrStreamEnded is returned once the server has ended a connection's output
var ErrStreamEnded = errors.New("connmux: stream ended")

// StatusError is returned for non-success HTTP responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("connmux: HTTP %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// Temporary reports whether retrying the request might succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 && e.Code != http.StatusNotImplemented
}

// Config configures a Client
type Config struct {
	// Binary negotiates the binary wire format
	Binary bool

	// FormatType is the sub-format tag sent with negotiations; the server default applies if empty
	FormatType string

	// MaxRetryInterval caps the backoff between failed polls
	MaxRetryInterval time.Duration

	// MaxRetryCount is the number of retries after consecutive failed polls; negative means unlimited
	MaxRetryCount int

	// HTTPClient is used for plain requests; http.DefaultClient if nil
	HTTPClient *http.Client
}

// Client talks to the connmux routes under one base URL.
type Client struct {
	muxshare.Logger
	base   *url.URL
	config Config
	http   *http.Client
}

// NewClient creates a client for the routes under baseURL, e.g. "http://host:8080/connmux"
func NewClient(logger muxshare.Logger, baseURL string, config Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, logger.Errorf("invalid base URL %q: %s", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, logger.Errorf("unsupported base URL scheme: %q", u.Scheme)
	}
	if config.MaxRetryInterval <= 0 {
		config.MaxRetryInterval = 5 * time.Minute
	}
	c := &Client{
		Logger: logger.Fork("client"),
		base:   u,
		config: config,
		http:   config.HTTPClient,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c, nil
}

// routeURL returns the URL of route with the negotiation query for id
func (c *Client) routeURL(route, id string, negotiate bool) string {
	u := *c.base
	u.Path += "/" + route
	q := url.Values{}
	if id != "" {
		q.Set("id", id)
	}
	if negotiate {
		if c.config.Binary {
			q.Set("format", "binary")
		}
		if c.config.FormatType != "" {
			q.Set("formatType", c.config.FormatType)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

// GetID reserves a new connection id
func (c *Client) GetID(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.routeURL("getid", "", false), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	c.DLogf("reserved connection %s", b)
	return string(b), nil
}

// Send delivers data to the application behind connection id
func (c *Client) Send(ctx context.Context, id string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPost, c.routeURL("send", id, false), bytes.NewReader(data))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Poll runs one poll cycle for id. It returns the output received, which may be empty,
// or ErrStreamEnded once the server has ended the connection's output.
func (c *Client) Poll(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.routeURL("poll", id, true), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrStreamEnded
	}
	return io.ReadAll(resp.Body)
}

// PollLoop polls id until the server ends its output, calling onData with every
// non-empty response. Failed polls are retried with backoff; client errors (4xx)
// end the loop. Returns nil when the stream ends normally.
func (c *Client) PollLoop(ctx context.Context, id string, onData func([]byte) error) error {
	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	for {
		data, err := c.Poll(ctx, id)
		if err == nil {
			b.Reset()
			if len(data) > 0 {
				if err := onData(data); err != nil {
					return err
				}
			}
			continue
		}
		if errors.Is(err, ErrStreamEnded) {
			c.DLogf("%s: stream ended", id)
			return nil
		}
		var se *StatusError
		if ctx.Err() != nil || (errors.As(err, &se) && !se.Temporary()) {
			return err
		}
		attempt := int(b.Attempt())
		if c.config.MaxRetryCount >= 0 && attempt >= c.config.MaxRetryCount {
			return c.Errorf("giving up after %d failed polls: %s", attempt, err)
		}
		d := b.Duration()
		c.ILogf("Poll error: %s (Attempt: %d); retrying in %s...", err, attempt+1, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DialWebSocket opens the websocket transport for id. An empty id lets the server
// create the connection.
func (c *Client) DialWebSocket(ctx context.Context, id string) (*websocket.Conn, error) {
	target := c.routeURL("ws", id, true)
	target = "ws" + strings.TrimPrefix(target, "http")
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
	}
	ws, resp, err := d.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
		}
		return nil, err
	}
	return ws, nil
}

// EventStream reads the server-sent events of one connection
type EventStream struct {
	body   io.ReadCloser
	r      *bufio.Reader
	binary bool
}

// OpenEvents opens the server-sent events transport for id
func (c *Client) OpenEvents(ctx context.Context, id string) (*EventStream, error) {
	resp, err := c.do(ctx, http.MethodGet, c.routeURL("sse", id, true), nil)
	if err != nil {
		return nil, err
	}
	return &EventStream{body: resp.Body, r: bufio.NewReader(resp.Body), binary: c.config.Binary}, nil
}

// Next returns the payload of the next event, or ErrStreamEnded when the server
// closes the stream
func (s *EventStream) Next() ([]byte, error) {
	var (
		lines [][]byte
		event string
		seen  bool
	)
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && !seen {
				return nil, ErrStreamEnded
			}
			return nil, err
		}
		line = bytes.TrimSuffix(bytes.TrimSuffix(line, []byte("\n")), []byte("\r"))
		if len(line) == 0 {
			if !seen {
				continue
			}
			break
		}
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			lines = append(lines, bytes.TrimPrefix(data, []byte(" ")))
			seen = true
		} else if name, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			event = string(bytes.TrimSpace(name))
			seen = true
		}
	}
	payload := bytes.Join(lines, []byte("\n"))
	if s.binary || event == transports.EventBase64 {
		return base64.StdEncoding.DecodeString(string(payload))
	}
	return payload, nil
}

// Close ends the stream
func (s *EventStream) Close() error {
	return s.body.Close()
}
