// Package network 封装离线外壳的出站 HTTP 访问：安装阶段的带重试抓取，
// 以及拦截器未命中时的直接透传。
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
	"github.com/bubble-pop-frenzy/offline-shell/internal/config"
	"github.com/bubble-pop-frenzy/offline-shell/internal/version"
)

var (
	// ErrBadStatus 表示上游返回了非 2xx 状态，该响应不会被写入缓存。
	ErrBadStatus = errors.New("upstream returned non-success status")
	// ErrInvalidRequest 表示请求本身无法构造，重试没有意义。
	ErrInvalidRequest = errors.New("invalid upstream request")
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 是所有出站请求共用的客户端。
type Client struct {
	http           *http.Client
	maxRetries     int
	initialBackoff time.Duration
	logger         *logrus.Logger
}

// NewUpstreamClient 返回共享 http.Client，超时与出站代理取自配置。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	transport := defaultTransport.Clone()
	if cfg != nil {
		if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
			timeout = cfg.Global.UpstreamTimeout.DurationValue()
		}
		if proxyURL := cfg.Shell.ProxyURL(); proxyURL != nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// NewClient 基于配置构造 Client；httpClient 为空时使用 NewUpstreamClient。
func NewClient(cfg *config.Config, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = NewUpstreamClient(cfg)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		http:           httpClient,
		maxRetries:     2,
		initialBackoff: 500 * time.Millisecond,
		logger:         logger,
	}
	if cfg != nil {
		if cfg.Global.MaxRetries >= 0 {
			c.maxRetries = cfg.Global.MaxRetries
		}
		if d := cfg.Global.InitialBackoff.DurationValue(); d > 0 {
			c.initialBackoff = d
		}
	}
	return c
}

// Fetch 抓取一条缓存请求。传输错误与 5xx 会按指数退避重试 MaxRetries 次；
// 其它非 2xx 状态立即返回 ErrBadStatus。no-cors 请求的成功响应转换为 opaque。
func (c *Client) Fetch(ctx context.Context, req cache.Request) (*cache.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = 10 * c.initialBackoff

	attempt := 0
	operation := func() (*cache.Response, error) {
		attempt++
		resp, err := c.fetchOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"action":  "fetch_retry",
			"url":     req.URL,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Debug("retrying upstream fetch")
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(notify),
	)
}

func (c *Client) fetchOnce(ctx context.Context, req cache.Request) (*cache.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.NormalizedMethod(), req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header.Set("User-Agent", userAgent())
	if req.Mode == cache.ModeNoCORS {
		httpReq.Header.Set("Sec-Fetch-Mode", "no-cors")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{URL: req.URL, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	out := &cache.Response{
		URL:      req.URL,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if req.Mode == cache.ModeNoCORS {
		out = out.AsOpaque()
	}
	return out, nil
}

// RoundTrip 把请求原样发往网络，不重试也不缓存；网络错误直接返回。
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// StatusError 记录一个不可缓存的上游状态码。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", ErrBadStatus, e.URL, e.Status)
}

func (e *StatusError) Unwrap() error {
	return ErrBadStatus
}

func retryable(err error) bool {
	if errors.Is(err, ErrInvalidRequest) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= http.StatusInternalServerError
	}
	return true
}

func userAgent() string {
	return "offline-shell/" + version.Version
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
