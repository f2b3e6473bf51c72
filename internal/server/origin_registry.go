package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/bubble-pop-frenzy/offline-shell/internal/config"
	"github.com/bubble-pop-frenzy/offline-shell/internal/inventory"
)

// OriginRoute 将一个 Host 映射到上游基准 URL。外壳域名映射到部署作用域，
// 清单中的第三方主机以正向代理方式映射到自身。
type OriginRoute struct {
	// Host 是规范化后的小写主机名。
	Host string
	// Upstream 是请求路径拼接的基准 URL，路径总以 / 结尾。
	Upstream *url.URL
	// CrossOrigin 标记第三方主机。
	CrossOrigin bool
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
}

// Target 把客户端请求路径与 query 拼接到上游基准 URL 上。
func (r *OriginRoute) Target(requestPath, rawQuery string) *url.URL {
	target := *r.Upstream
	target.Path = strings.TrimSuffix(r.Upstream.Path, "/") + "/" + strings.TrimPrefix(requestPath, "/")
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有路由共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 基于外壳配置与清单构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config, manifest inventory.Manifest) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	scope := cfg.Shell.OriginURL()
	if scope == nil || !scope.IsAbs() {
		return nil, fmt.Errorf("invalid shell origin %q", cfg.Shell.Origin)
	}

	registry := &OriginRegistry{routes: map[string]*OriginRoute{}}

	shellHost := normalizeDomain(cfg.Shell.Domain)
	if shellHost == "" {
		return nil, fmt.Errorf("invalid shell domain %q", cfg.Shell.Domain)
	}
	upstream := *scope
	if !strings.HasSuffix(upstream.Path, "/") {
		upstream.Path += "/"
	}
	if err := registry.add(&OriginRoute{
		Host:       shellHost,
		Upstream:   &upstream,
		ListenPort: cfg.Global.ListenPort,
	}); err != nil {
		return nil, err
	}

	for _, base := range manifest.CrossOriginHosts(scope) {
		if err := registry.add(&OriginRoute{
			Host:        normalizeDomain(base.Host),
			Upstream:    base,
			CrossOrigin: true,
			ListenPort:  cfg.Global.ListenPort,
		}); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func (r *OriginRegistry) add(route *OriginRoute) error {
	if _, exists := r.routes[route.Host]; exists {
		return fmt.Errorf("duplicate domain mapping detected for %s", route.Host)
	}
	r.routes[route.Host] = route
	r.ordered = append(r.ordered, route)
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的路由（外壳域名在前，其余按清单顺序），用于诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
