package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectInventoryKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyShellDefaults(&cfg.Shell)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// DefaultStoragePath 返回 XDG 缓存目录下的默认存储位置。
func DefaultStoragePath() string {
	return filepath.Join(xdg.CacheHome, "offline-shell")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", DefaultStoragePath())
	v.SetDefault("StorageBackend", BackendFS)
	v.SetDefault("MaxRetries", 2)
	v.SetDefault("InitialBackoff", "500ms")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallConcurrency", 0)
	v.SetDefault("TracingEndpoint", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		g.StoragePath = DefaultStoragePath()
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendFS
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyShellDefaults(s *ShellConfig) {
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.Origin = normalizeOrigin(s.Origin)
	s.Proxy = strings.TrimSpace(s.Proxy)
}

// normalizeOrigin 去掉 query/fragment，并保证路径以 / 结尾，使其表示一个目录作用域。
func normalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	parsed.RawPath = ""
	return parsed.String()
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectInventoryKeys 拒绝试图在配置中覆盖缓存名或资源清单的写法：
// 两者随 worker 版本一起发布，运行时不可修改。
func rejectInventoryKeys(v *viper.Viper) error {
	for _, key := range []string{"CacheName", "Inventory", "Assets"} {
		if v.IsSet(key) {
			return newFieldError(key, "字段不可配置，缓存名与资源清单随版本发布")
		}
		if v.IsSet("Shell." + key) {
			return newFieldError(shellField(key), "字段不可配置，缓存名与资源清单随版本发布")
		}
	}
	return nil
}
