// Package muxserver hosts a connmux dispatcher behind an HTTP server, with idle
// connection sweeping and graceful shutdown.
package muxserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jpillora/requestlog"

	"github.com/sammck-go/connmux/pkg/dispatcher"
	"github.com/sammck-go/connmux/pkg/muxconn"
	muxshare "github.com/sammck-go/connmux/share"
)

// Server represents a connmux service
type Server struct {
	muxshare.ShutdownHelper
	config     *muxshare.Config
	httpServer *muxshare.HTTPServer
	registry   *muxconn.Registry
	dispatcher *dispatcher.Dispatcher
	handler    http.Handler
}

// NewServer creates a Server hosting endpoint. config must already be validated.
func NewServer(logger muxshare.Logger, config *muxshare.Config, endpoint dispatcher.Endpoint) *Server {
	s := &Server{
		config:     config,
		httpServer: muxshare.NewHTTPServer(logger.Fork("http")),
	}
	s.InitShutdownHelper(logger.Fork("server"), s)
	// the HTTP server is shut down after HandleOnceShutdown has drained the registry
	s.AddShutdownChild(s.httpServer)
	s.registry = muxconn.NewRegistry(s.Logger)
	s.dispatcher = dispatcher.New(s.Logger, s.registry, endpoint, dispatcher.ConfigFrom(config))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "OK\n")
	})
	if config.BasePath == "" {
		mux.Handle("/", s.dispatcher)
	} else {
		mux.Handle(config.BasePath+"/", s.dispatcher)
	}
	h := http.Handler(mux)
	if s.GetLogLevel() >= muxshare.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s
}

// Handler returns the server's HTTP handler, for mounting without Run
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the registry holding the server's logical connections
func (s *Server) Registry() *muxconn.Registry {
	return s.registry
}

// Dispatcher returns the server's dispatcher
func (s *Server) Dispatcher() *dispatcher.Dispatcher {
	return s.dispatcher
}

// Run listens on the configured address and serves until ctx is done or the server
// is shut down
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.ILogf("Serving %s endpoint (%s mode) under %q", s.config.Endpoint, s.config.Mode, s.config.BasePath+"/")
			s.ILogf("Listening on %s...", s.config.Listen)
			if s.config.IdleTimeout > 0 {
				done := make(chan struct{})
				s.AddShutdownChildChan(done)
				go func() {
					defer close(done)
					s.sweep(s.config.SweepInterval, s.config.IdleTimeout)
				}()
			}
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}

	err = s.httpServer.ListenAndServe(ctx, s.config.Listen, s.handler)
	s.StartShutdown(err)
	err = s.WaitShutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// sweep removes idle connections every interval until shutdown starts
func (s *Server) sweep(interval, idle time.Duration) {
	if interval <= 0 {
		interval = idle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ShutdownStartedChan():
			return
		case <-ticker.C:
			if n := s.registry.Sweep(idle); n > 0 {
				s.DLogf("idle sweep removed %d connections, %d remain", n, s.registry.Len())
			}
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	// draining the registry ends open sessions, which lets the HTTP server finish gracefully
	err := s.registry.Shutdown(nil)
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
