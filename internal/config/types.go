package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendBadger  = "badger"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与回源行为。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	TracingEndpoint    string   `mapstructure:"TracingEndpoint"`
}

// ShellConfig 描述游戏外壳的部署位置以及客户端访问本服务时使用的域名。
type ShellConfig struct {
	// Domain 是浏览器访问本服务时携带的 Host。
	Domain string `mapstructure:"Domain"`
	// Origin 是线上部署的作用域 URL，清单中的相对路径都基于它解析。
	Origin string `mapstructure:"Origin"`
	// Proxy 为可选的出站代理。
	Proxy string `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Shell  ShellConfig  `mapstructure:"Shell"`
}

// OriginURL 返回解析后的作用域 URL（假定 Validate 已经通过）。
func (s ShellConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(s.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// ProxyURL 返回出站代理地址，未配置时为 nil。
func (s ShellConfig) ProxyURL() *url.URL {
	if strings.TrimSpace(s.Proxy) == "" {
		return nil
	}
	parsed, err := url.Parse(s.Proxy)
	if err != nil {
		return nil
	}
	return parsed
}

// NetworkMode 输出 `direct` 或 `proxied`，供日志字段使用。
func (s ShellConfig) NetworkMode() string {
	if s.ProxyURL() != nil {
		return "proxied"
	}
	return "direct"
}
