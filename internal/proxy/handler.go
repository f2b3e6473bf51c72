package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bubble-pop-frenzy/offline-shell/internal/logging"
	"github.com/bubble-pop-frenzy/offline-shell/internal/network"
	"github.com/bubble-pop-frenzy/offline-shell/internal/server"
	"github.com/bubble-pop-frenzy/offline-shell/internal/worker"
)

// Interceptor 是拦截器的最小能力集合，通常由 *worker.Registration 实现。
type Interceptor interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes InterceptorFunc satisfy Interceptor.
func (f InterceptorFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// activeWorkerSource 用于在日志里带上当前缓存代名称。
type activeWorkerSource interface {
	Active() *worker.Worker
}

// Handler 把 Fiber 请求转换为指向真实源站的 http.Request，交给拦截器执行
// “缓存优先、网络兜底”，再把结果写回客户端。
type Handler struct {
	interceptor Interceptor
	logger      *logrus.Logger
}

// NewHandler constructs a proxy handler around the interceptor.
func NewHandler(interceptor Interceptor, logger *logrus.Logger) *Handler {
	return &Handler{
		interceptor: interceptor,
		logger:      logger,
	}
}

// Handle 执行一次拦截，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	target := route.Target(requestPath(c), string(c.Request().URI().QueryString()))

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildUpstreamRequest(ctx, c, target, route)
	if err != nil {
		h.logResult(c, route, target.String(), requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "bad_request")
	}

	resp, err := h.interceptor.Fetch(ctx, req)
	if err != nil {
		h.logResult(c, route, target.String(), requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	cacheHit := resp.Header.Get(worker.HeaderCache) == "hit"
	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, route, target.String(), requestID, resp.StatusCode, cacheHit, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, route, target.String(), requestID, resp.StatusCode, cacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read response failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(
	ctx context.Context,
	c fiber.Ctx,
	upstream *url.URL,
	route *server.OriginRoute,
) (*http.Request, error) {
	method := c.Method()
	var body io.Reader = http.NoBody
	if method != http.MethodGet && method != http.MethodHead {
		body = bytesReader(append([]byte(nil), c.Body()...))
	}

	req, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	network.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	if !route.CrossOrigin {
		req.Header.Set("X-Forwarded-Host", c.Hostname())
		if ip := c.IP(); ip != "" {
			if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
				req.Header.Set("X-Forwarded-For", prior+", "+ip)
			} else {
				req.Header.Set("X-Forwarded-For", ip)
			}
		}
		req.Header.Set("X-Forwarded-Proto", c.Protocol())
		req.Header.Set("X-Forwarded-Port", routePort(route))
	}
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) activeCacheName() string {
	source, ok := h.interceptor.(activeWorkerSource)
	if !ok {
		return ""
	}
	if active := source.Active(); active != nil {
		return string(active.CacheName())
	}
	return ""
}

func (h *Handler) logResult(
	c fiber.Ctx,
	route *server.OriginRoute,
	target string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Host, h.activeCacheName(), c.Method(), target, cacheHit)
	fields["action"] = "intercept"
	fields["cross_origin"] = route.CrossOrigin
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	return normalizeRequestPath(string(uri.Path()))
}

// normalizeRequestPath 清理 ./.. 片段但保留结尾的 /，目录 URL 与文件 URL 是不同的缓存键。
func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if network.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
