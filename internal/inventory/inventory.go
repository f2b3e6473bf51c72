// Package inventory 定义离线外壳的资源清单与缓存代名称。二者随 worker 版本一起发布，
// 进程内不可变；更新外壳内容的唯一方式是修改清单并递增缓存名中的版本号。
package inventory

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
)

// CacheName 标识一代离线缓存，格式为 <app-slug>-v<integer>。
type CacheName string

var cacheNamePattern = regexp.MustCompile(`^([a-z0-9]+(?:-[a-z0-9]+)*)-v([0-9]+)$`)

// ErrInvalidCacheName 表示缓存名不符合 <app-slug>-v<integer>。
var ErrInvalidCacheName = errors.New("cache name must look like <app-slug>-v<integer>")

// ParseCacheName 拆出 slug 与版本号。
func ParseCacheName(raw string) (string, int, error) {
	m := cacheNamePattern.FindStringSubmatch(raw)
	if m == nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCacheName, raw)
	}
	version, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCacheName, raw)
	}
	return m[1], version, nil
}

// Validate 校验缓存名格式。
func (c CacheName) Validate() error {
	_, _, err := ParseCacheName(string(c))
	return err
}

// Slug 返回应用标识部分，非法名称返回空串。
func (c CacheName) Slug() string {
	slug, _, _ := ParseCacheName(string(c))
	return slug
}

// Version 返回版本号，非法名称返回 0。
func (c CacheName) Version() int {
	_, version, _ := ParseCacheName(string(c))
	return version
}

// Next 返回递增版本号后的缓存名。
func (c CacheName) Next() CacheName {
	slug, version, err := ParseCacheName(string(c))
	if err != nil {
		return c
	}
	return CacheName(fmt.Sprintf("%s-v%d", slug, version+1))
}

func (c CacheName) String() string {
	return string(c)
}

// Asset 是清单中的一条 URL，保持与发布清单一致的原始写法（相对路径或绝对 URL）。
type Asset struct {
	URL string
}

// Manifest 是某个 worker 版本的完整离线清单。
type Manifest struct {
	CacheName CacheName
	Assets    []Asset
}

// Clone 返回深拷贝，调用方可以安全地基于它构造新版本。
func (m Manifest) Clone() Manifest {
	return Manifest{
		CacheName: m.CacheName,
		Assets:    append([]Asset(nil), m.Assets...),
	}
}

// Validate 校验缓存名、非空以及无重复条目。
func (m Manifest) Validate() error {
	if err := m.CacheName.Validate(); err != nil {
		return err
	}
	if len(m.Assets) == 0 {
		return errors.New("manifest has no assets")
	}
	seen := make(map[string]struct{}, len(m.Assets))
	for _, asset := range m.Assets {
		raw := strings.TrimSpace(asset.URL)
		if raw == "" {
			return errors.New("manifest contains an empty asset url")
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("asset %q: %w", raw, err)
		}
		if _, dup := seen[raw]; dup {
			return fmt.Errorf("duplicate asset %q", raw)
		}
		seen[raw] = struct{}{}
	}
	return nil
}

// Equal 判断两个清单是否描述同一份外壳。
func (m Manifest) Equal(other Manifest) bool {
	if m.CacheName != other.CacheName || len(m.Assets) != len(other.Assets) {
		return false
	}
	for i := range m.Assets {
		if m.Assets[i] != other.Assets[i] {
			return false
		}
	}
	return true
}

// Requests 以 scope（worker 所在目录）为基准解析全部条目。跨源条目使用 no-cors 模式，
// 以便把第三方响应存为 opaque；同源条目使用默认模式。
func (m Manifest) Requests(scope *url.URL) ([]cache.Request, error) {
	if scope == nil || scope.Scheme == "" || scope.Host == "" {
		return nil, errors.New("absolute scope url required")
	}
	reqs := make([]cache.Request, 0, len(m.Assets))
	for _, asset := range m.Assets {
		resolved, err := Resolve(scope, asset.URL)
		if err != nil {
			return nil, err
		}
		mode := cache.ModeDefault
		if !SameOrigin(scope, resolved) {
			mode = cache.ModeNoCORS
		}
		reqs = append(reqs, cache.NewRequest(resolved.String(), mode))
	}
	return reqs, nil
}

// CrossOriginHosts 返回清单中所有跨源条目的 scheme://host，按出现顺序去重。
func (m Manifest) CrossOriginHosts(scope *url.URL) []*url.URL {
	var out []*url.URL
	seen := map[string]struct{}{}
	for _, asset := range m.Assets {
		resolved, err := Resolve(scope, asset.URL)
		if err != nil || SameOrigin(scope, resolved) {
			continue
		}
		key := resolved.Scheme + "://" + resolved.Host
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, &url.URL{Scheme: resolved.Scheme, Host: resolved.Host, Path: "/"})
	}
	return out
}

// Resolve 把清单中的原始 URL 解析为绝对 URL（去掉 fragment）。
func Resolve(scope *url.URL, raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("asset %q: %w", raw, err)
	}
	resolved := scope.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved, nil
}

// SameOrigin 比较 scheme + host(:port)。
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
