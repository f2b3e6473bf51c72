package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
	"github.com/bubble-pop-frenzy/offline-shell/internal/config"
	"github.com/bubble-pop-frenzy/offline-shell/internal/logging"
)

func testClient(retries int) *Client {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			MaxRetries:      retries,
			InitialBackoff:  config.Duration(time.Millisecond),
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
	}
	return NewClient(cfg, nil, logging.Discard())
}

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestNewUpstreamClientUsesShellProxy(t *testing.T) {
	cfg := &config.Config{Shell: config.ShellConfig{Proxy: "http://proxy.internal:3128"}}
	client := NewUpstreamClient(cfg)
	transport := client.Transport.(*http.Transport)
	req, _ := http.NewRequest(http.MethodGet, "https://cdn.jsdelivr.net/x.css", nil)
	proxyURL, err := transport.Proxy(req)
	if err != nil || proxyURL == nil || proxyURL.Host != "proxy.internal:3128" {
		t.Fatalf("expected configured proxy, got %v (%v)", proxyURL, err)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte("console.log('ok')"))
	}))
	defer upstream.Close()

	resp, err := testClient(2).Fetch(context.Background(), cache.NewRequest(upstream.URL+"/main.js", cache.ModeDefault))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if string(resp.Body) != "console.log('ok')" || resp.Status != http.StatusOK {
		t.Fatalf("unexpected response: %d %q", resp.Status, resp.Body)
	}
	if resp.Opaque {
		t.Fatalf("same-origin response should not be opaque")
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	_, err := testClient(1).Fetch(context.Background(), cache.NewRequest(upstream.URL+"/a", cache.ModeDefault))
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	_, err := testClient(3).Fetch(context.Background(), cache.NewRequest(upstream.URL+"/missing.js", cache.ModeDefault))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestFetchNoCORSProducesOpaque(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Sec-Fetch-Mode") != "no-cors" {
			t.Errorf("expected no-cors fetch mode header")
		}
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("X-Secret", "hidden")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer upstream.Close()

	resp, err := testClient(0).Fetch(context.Background(), cache.NewRequest(upstream.URL+"/css2?family=Press+Start+2P", cache.ModeNoCORS))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if !resp.Opaque {
		t.Fatalf("expected opaque response")
	}
	if resp.Header.Get("X-Secret") != "" {
		t.Fatalf("opaque response must not expose headers")
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("content type should survive, got %q", resp.Header.Get("Content-Type"))
	}
}

func TestRoundTripPassesStatusThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	req, _ := http.NewRequest(http.MethodPost, upstream.URL+"/score", nil)
	resp, err := testClient(0).RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", resp.StatusCode)
	}
}
