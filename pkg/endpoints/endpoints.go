// Package endpoints provides the application endpoints connmuxd can host.
package endpoints

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"

	"github.com/armon/go-socks5"

	"github.com/sammck-go/connmux/pkg/dispatcher"
	"github.com/sammck-go/connmux/pkg/muxconn"
	"github.com/sammck-go/connmux/pkg/muxpipe"
	muxshare "github.com/sammck-go/connmux/share"
)

// New creates the endpoint named name ("echo" or "socks5")
func New(name string, logger muxshare.Logger, mode muxconn.Mode) (dispatcher.Endpoint, error) {
	switch name {
	case "echo":
		return NewEcho(logger, mode), nil
	case "socks5":
		if mode != muxconn.ModeStreaming {
			return nil, logger.Errorf("socks5 endpoint requires streaming mode, not %s", mode)
		}
		return NewSocks5(logger)
	}
	return nil, logger.Errorf("unknown endpoint: %q", name)
}

// finished reports whether err only means the connection has ended
func finished(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, muxpipe.ErrClosed) ||
		errors.Is(err, muxpipe.ErrWriteClosed) ||
		errors.Is(err, context.Canceled)
}

// Echo writes every input frame back to the client
type Echo struct {
	muxshare.Logger
	mode muxconn.Mode
}

// NewEcho creates an echo endpoint for connections of the given mode
func NewEcho(logger muxshare.Logger, mode muxconn.Mode) *Echo {
	return &Echo{Logger: logger.Fork("echo"), mode: mode}
}

// Mode implements dispatcher.Endpoint
func (e *Echo) Mode() muxconn.Mode {
	return e.mode
}

// ServeConnection implements dispatcher.Endpoint
func (e *Echo) ServeConnection(conn *muxconn.Connection) error {
	defer conn.CloseWrite()
	var n int
	for {
		frame, err := conn.ReadFrame(conn.Context())
		if err == nil {
			err = conn.WriteFrame(frame)
			n++
		}
		if err != nil {
			if finished(err) {
				e.DLogf("%s: echoed %d frames", conn, n)
				return nil
			}
			return err
		}
	}
}

// Socks5 runs a SOCKS5 server over each logical connection
type Socks5 struct {
	muxshare.Logger
	server *socks5.Server
}

// NewSocks5 creates a SOCKS5 endpoint. The server dials targets directly.
func NewSocks5(logger muxshare.Logger) (*Socks5, error) {
	e := &Socks5{Logger: logger.Fork("socks")}
	server, err := socks5.New(&socks5.Config{
		Logger: log.New(socksLogWriter{e.Logger}, "", 0),
	})
	if err != nil {
		return nil, e.Errorf("could not create socks5 server: %s", err)
	}
	e.server = server
	return e, nil
}

// Mode implements dispatcher.Endpoint
func (e *Socks5) Mode() muxconn.Mode {
	return muxconn.ModeStreaming
}

// ServeConnection implements dispatcher.Endpoint
func (e *Socks5) ServeConnection(conn *muxconn.Connection) error {
	defer conn.CloseWrite()
	err := e.server.ServeConn(NewNetConn(conn))
	if err != nil && finished(err) {
		return nil
	}
	return err
}

// socksLogWriter forwards the socks5 server's log lines at debug level
type socksLogWriter struct {
	l muxshare.Logger
}

func (w socksLogWriter) Write(p []byte) (int, error) {
	w.l.DLogf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
