package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:      {},
	BackendLevelDB: {},
	BackendBadger:  {},
}

const supportedBackendList = "fs|leveldb|badger"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[strings.ToLower(g.StorageBackend)]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency < 0 {
		return newFieldError("Global.InstallConcurrency", "不能为负数")
	}
	if g.TracingEndpoint != "" {
		if err := validateHTTPURL(g.TracingEndpoint); err != nil {
			return fmt.Errorf("Global.TracingEndpoint: %w", err)
		}
	}

	s := c.Shell
	if err := validateDomain(s.Domain); err != nil {
		return fmt.Errorf("%s: %w", shellField("Domain"), err)
	}
	if err := validateHTTPURL(s.Origin); err != nil {
		return fmt.Errorf("%s: %w", shellField("Origin"), err)
	}
	if s.Proxy != "" {
		if err := validateHTTPURL(s.Proxy); err != nil {
			return fmt.Errorf("%s: %w", shellField("Proxy"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
