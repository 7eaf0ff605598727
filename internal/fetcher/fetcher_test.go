package fetcher

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
)

func newTestFetcher(t *testing.T, baseURL string, maxBody int64) *HTTPFetcher {
	t.Helper()
	f, err := NewHTTPFetcher(Options{
		BaseURL:      baseURL,
		UserAgent:    "bundlemirror-test",
		Headers:      map[string]string{"X-Mirror": "1"},
		MaxBodyBytes: maxBody,
	})
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f
}

func TestFetchAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "bundlemirror-test" || r.Header.Get("X-Mirror") != "1" {
			http.Error(w, "missing headers", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/assets/web.65877e3d81a538c8.js":
			w.Header().Set("Content-Type", "text/javascript")
			_, _ = w.Write([]byte("console.log(1)"))
		case "/assets/compressed.js":
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write([]byte("brotli body"))
			_ = bw.Close()
			w.Header().Set("Content-Encoding", "br")
			_, _ = w.Write(buf.Bytes())
		case "/assets/broken.js":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL+"/", 1024)
	ctx := context.Background()

	asset, err := f.Fetch(ctx, "web.65877e3d81a538c8.js")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(asset.Body) != "console.log(1)" || asset.StatusCode != http.StatusOK {
		t.Fatalf("unexpected asset %+v", asset)
	}
	if asset.URL != srv.URL+"/assets/web.65877e3d81a538c8.js" {
		t.Fatalf("unexpected url %q", asset.URL)
	}

	asset, err = f.Fetch(ctx, "compressed.js")
	if err != nil {
		t.Fatalf("fetch brotli: %v", err)
	}
	if string(asset.Body) != "brotli body" {
		t.Fatalf("expected decoded brotli body, got %q", asset.Body)
	}

	_, err = f.Fetch(ctx, "missing.js")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = f.Fetch(ctx, "broken.js")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 StatusError, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("502 must not be treated as not found")
	}
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, 16)
	if _, err := f.Fetch(context.Background(), "big.js"); err == nil {
		t.Fatal("expected body limit error")
	}
}

func TestNewHTTPFetcherRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPFetcher(Options{}); err == nil {
		t.Fatal("expected error without base url")
	}
}
