package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 处理映射到某个源的请求，生产环境中是缓存优先的拦截器。
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions 描述 Fiber 前端的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// HeaderHost 在 Host 未映射时回显客户端提交的 Host。
const HeaderHost = "X-Offline-Shell-Host"

const (
	localRoute     = "offline_shell.route"
	localRequestID = "offline_shell.request_id"
)

// NewApp 构建 Fiber 前端：每个请求先按 Host 解析出 OriginRoute，
// 外壳域名上的 /-/ 路径交给之后注册的诊断路由，其余请求（包括第三方主机上的 /-/）
// 一律交给 ProxyHandler。
func NewApp(opts AppOptions) (*fiber.App, error) {
	switch {
	case opts.Logger == nil:
		return nil, errors.New("logger is required")
	case opts.Registry == nil:
		return nil, errors.New("origin registry is required")
	case opts.Proxy == nil:
		return nil, errors.New("proxy handler is required")
	case opts.ListenPort <= 0:
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	f := &front{
		logger:   opts.Logger,
		registry: opts.Registry,
		proxy:    opts.Proxy,
		port:     opts.ListenPort,
	}

	app := fiber.New(fiber.Config{CaseSensitive: true})
	app.Use(recover.New())
	app.Use(fiber.Handler(f.dispatch))
	return app, nil
}

type front struct {
	logger   *logrus.Logger
	registry *OriginRegistry
	proxy    ProxyHandler
	port     int
}

func (f *front) dispatch(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(localRequestID, reqID)
	c.Set(fiber.HeaderXRequestID, reqID)

	host := requestHost(c)
	route, ok := f.registry.Lookup(host)
	if !ok {
		return f.unmapped(c, host)
	}
	c.Locals(localRoute, route)

	if !route.CrossOrigin && isDiagnosticsPath(c.Path()) {
		return c.Next()
	}
	return f.proxy.Handle(c, route)
}

func (f *front) unmapped(c fiber.Ctx, host string) error {
	f.logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   f.port,
	}).Warn("host unmapped")

	if host != "" {
		c.Set(HeaderHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return c.Hostname()
}

// RouteOf 返回当前请求解析出的 OriginRoute。
func RouteOf(c fiber.Ctx) (*OriginRoute, bool) {
	route, ok := c.Locals(localRoute).(*OriginRoute)
	return route, ok && route != nil
}

// ScopeOf 返回当前请求所属的上游作用域；外壳域名下即部署目录。
func ScopeOf(c fiber.Ctx) *url.URL {
	route, ok := RouteOf(c)
	if !ok {
		return nil
	}
	scope := *route.Upstream
	return &scope
}

// RequestID returns the request identifier assigned by the front.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localRequestID).(string)
	return reqID
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
