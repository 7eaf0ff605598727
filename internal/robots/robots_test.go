package robots

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bundlemirror/internal/config"
)

func TestAgentCheck(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /assets/private/\n"))
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{
		Respect:   true,
		UserAgent: "bundlemirror/1.0",
		CacheTTL:  config.DurationFrom(time.Hour),
	}, srv.Client())
	ctx := context.Background()

	if err := agent.Check(ctx, srv.URL+"/assets/web.js"); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	err := agent.Check(ctx, srv.URL+"/assets/private/secret.js")
	if !errors.Is(err, ErrDisallowed) {
		t.Fatalf("expected ErrDisallowed, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected robots.txt fetched once, got %d", hits.Load())
	}

	agent.Purge(srv.Listener.Addr().String())
	_ = agent.Check(ctx, srv.URL+"/assets/web.js")
	if hits.Load() != 2 {
		t.Fatalf("expected refetch after purge, got %d", hits.Load())
	}
}

func TestAgentDisabledAllowsEverything(t *testing.T) {
	agent := NewAgent(config.RobotsConfig{}, nil)
	if err := agent.Check(context.Background(), "http://127.0.0.1:1/assets/x.js"); err != nil {
		t.Fatalf("disabled agent should allow, got %v", err)
	}
}

func TestAgentFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "bundlemirror/1.0"}, srv.Client())
	if err := agent.Check(context.Background(), srv.URL+"/assets/web.js"); err != nil {
		t.Fatalf("expected fail-open on 503, got %v", err)
	}
}
