package muxserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sammck-go/connmux/pkg/endpoints"
	"github.com/sammck-go/connmux/pkg/muxconn"
	muxshare "github.com/sammck-go/connmux/share"
)

func newTestServer(t *testing.T, level muxshare.LogLevel, edit func(*muxshare.Config)) *Server {
	lg := muxshare.NewLogger(zaptest.NewLogger(t), t.Name(), level)
	cfg := muxshare.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	if edit != nil {
		edit(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %s", err)
	}
	return NewServer(lg, cfg, endpoints.NewEcho(lg, muxconn.ModeStreaming))
}

func TestServerHealthAndRoutes(t *testing.T) {
	s := newTestServer(t, muxshare.LogLevelDebug, nil)
	defer s.Close()
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %s", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK\n" {
		t.Errorf("/health answered %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(hs.URL + "/connmux/getid")
	if err != nil {
		t.Fatalf("GET getid failed: %s", err)
	}
	id, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if _, ok := s.Registry().Lookup(string(id)); !ok {
		t.Errorf("getid through the server returned unregistered id %q", id)
	}
}

func TestServerRunStopsOnContext(t *testing.T) {
	s := newTestServer(t, muxshare.LogLevelInfo, func(c *muxshare.Config) {
		c.IdleTimeout = 50 * time.Millisecond
		c.SweepInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// an unbound reservation is swept once idle
	c, err := s.Registry().Create(muxconn.ModeStreaming)
	if err != nil {
		t.Fatalf("Create returned error: %s", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Registry().Lookup(c.ID()); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle connection was never swept")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %s", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after its context ended")
	}
	if s.Registry().Len() != 0 {
		t.Errorf("registry not drained after shutdown")
	}
	if !s.IsDoneShutdown() || !s.Registry().IsDoneShutdown() {
		t.Errorf("server or registry shutdown incomplete after Run returned")
	}
}

func TestServerCloseWithoutRunStopsChildren(t *testing.T) {
	s := newTestServer(t, muxshare.LogLevelInfo, nil)
	c, err := s.Registry().Create(muxconn.ModeStreaming)
	if err != nil {
		t.Fatalf("Create returned error: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close returned error: %s", err)
	}
	if !s.httpServer.IsDoneShutdown() {
		t.Errorf("HTTP server was not shut down with the server")
	}
	if c.Context().Err() == nil || s.Registry().Len() != 0 {
		t.Errorf("registry was not drained by Close")
	}
}
