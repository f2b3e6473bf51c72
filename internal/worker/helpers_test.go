package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
	"github.com/bubble-pop-frenzy/offline-shell/internal/config"
	"github.com/bubble-pop-frenzy/offline-shell/internal/inventory"
	"github.com/bubble-pop-frenzy/offline-shell/internal/logging"
	"github.com/bubble-pop-frenzy/offline-shell/internal/network"
)

const testScope = "https://play.example.com/bubble/"

var errOffline = errors.New("network offline")

// upstream 模拟外壳所在源以及两个第三方主机，所有请求经由同一个 httptest 服务器。
type upstream struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	hits    map[string]int
	failing map[string]int
	offline bool
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{t: t, hits: map[string]int{}, failing: map[string]int{}}
	u.server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	original := r.Header.Get("X-Original-URL")
	u.mu.Lock()
	u.hits[r.Method+" "+original]++
	status, failing := u.failing[original]
	u.mu.Unlock()

	if failing {
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "network:"+r.Method)
		return
	}
	parsed, _ := url.Parse(original)
	if parsed.Path == "/bubble/api/unknown" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Upstream", "1")
	_, _ = io.WriteString(w, "network:"+original)
}

func (u *upstream) fail(rawURL string, status int) {
	u.mu.Lock()
	u.failing[rawURL] = status
	u.mu.Unlock()
}

func (u *upstream) setOffline(offline bool) {
	u.mu.Lock()
	u.offline = offline
	u.mu.Unlock()
}

func (u *upstream) hitCount(method, rawURL string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[method+" "+rawURL]
}

// RoundTrip 把任意主机的请求改写到测试服务器，原始 URL 放在请求头中。
func (u *upstream) RoundTrip(req *http.Request) (*http.Response, error) {
	u.mu.Lock()
	offline := u.offline
	u.mu.Unlock()
	if offline {
		return nil, errOffline
	}
	target, _ := url.Parse(u.server.URL)
	out := req.Clone(req.Context())
	out.Header.Set("X-Original-URL", req.URL.String())
	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.Host = target.Host
	return http.DefaultTransport.RoundTrip(out)
}

func (u *upstream) client() *network.Client {
	cfg := &config.Config{Global: config.GlobalConfig{
		MaxRetries:     0,
		InitialBackoff: config.Duration(time.Millisecond),
	}}
	return network.NewClient(cfg, &http.Client{Transport: u, Timeout: 5 * time.Second}, logging.Discard())
}

func testOptions(t *testing.T, up *upstream) (Options, cache.Storage) {
	t.Helper()
	storage, err := cache.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建缓存存储失败: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	scope, err := url.Parse(testScope)
	if err != nil {
		t.Fatalf("解析作用域失败: %v", err)
	}
	return Options{
		Storage: storage,
		Network: up.client(),
		Scope:   scope,
		Logger:  logging.Discard(),
	}, storage
}

func resolve(t *testing.T, raw string) string {
	t.Helper()
	scope, _ := url.Parse(testScope)
	u, err := inventory.Resolve(scope, raw)
	if err != nil {
		t.Fatalf("解析 %s 失败: %v", raw, err)
	}
	return u.String()
}

func get(t *testing.T, rt http.RoundTripper, rawURL string) (*http.Response, string, error) {
	t.Helper()
	return do(t, rt, http.MethodGet, rawURL)
}

func do(t *testing.T, rt http.RoundTripper, method, rawURL string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, rawURL, nil)
	if err != nil {
		t.Fatalf("构造请求失败: %v", err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	return resp, string(body), nil
}

func installActive(t *testing.T, manifest inventory.Manifest, opts Options) *Worker {
	t.Helper()
	w, err := New(manifest, opts)
	if err != nil {
		t.Fatalf("创建 worker 失败: %v", err)
	}
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("安装失败: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("激活失败: %v", err)
	}
	return w
}
