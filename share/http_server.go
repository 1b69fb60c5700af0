package muxshare

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPServer extends net/http Server and
// adds graceful shutdowns
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener

	// GracePeriod bounds how long in-flight requests may run once shutdown starts
	GracePeriod time.Duration
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server:      &http.Server{ReadHeaderTimeout: 10 * time.Second},
		GracePeriod: 5 * time.Second,
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener == nil {
		return completionErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.GracePeriod)
	defer cancel()
	err := h.Server.Shutdown(ctx)
	if err != nil {
		h.DLogf("graceful shutdown incomplete, closing: %s", err)
		err = h.Server.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Listen binds addr. It is separate from Serve so callers can learn the bound
// address (e.g., port 0 in tests) before requests flow.
func (h *HTTPServer) Listen(addr string) error {
	return h.DoOnceActivate(
		func() error {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.listener = l
			return nil
		},
		true,
	)
}

// ListenAddr returns the bound listener address, or nil before Listen
func (h *HTTPServer) ListenAddr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// ListenAndServe runs the HTTP server on the given bind address, invoking the provided
// handler for each request. It returns after the server has shut down. The server can be
// shut down either by cancelling the context or by calling Shutdown().
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.Listen(addr)
	if err != nil {
		return err
	}
	h.ShutdownOnContext(ctx)
	h.Handler = handler
	go func() {
		err := h.Serve(h.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		h.StartShutdown(err)
	}()
	err = h.WaitShutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
