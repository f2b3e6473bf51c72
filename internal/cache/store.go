package cache

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Storage 对应宿主环境提供的、按源隔离的缓存存储。所有 worker 版本共享同一个 Storage，
// 每个版本只写入自己名下的 Store。
type Storage interface {
	// Open 返回指定名称的 Store，不存在时创建；重复调用返回同一个实例。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的 Store 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序依次在所有 Store 中查找，返回第一个命中；未命中返回 ErrNotFound。
	Match(ctx context.Context, req Request) (*Response, error)

	// Keys 按创建顺序列出所有 Store 名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 原子地删除整个 Store，返回删除前它是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Store 是一个命名的请求/响应集合。安装阶段写入，Seal 之后只读。
type Store interface {
	Name() string

	// Put 写入一条 (request, response)。仅接受 GET 请求与成功或 opaque 响应；
	// 已封存的 Store 返回 ErrStoreSealed。
	Put(ctx context.Context, req Request, resp *Response) error

	// Match 按 URL + Method 精确查找，忽略 Vary。未命中返回 ErrNotFound。
	Match(ctx context.Context, req Request) (*Response, error)

	// Requests 列出当前 Store 中的所有请求键。
	Requests(ctx context.Context) ([]Request, error)

	// Seal 封存 Store，此后 Put 一律失败。
	Seal(ctx context.Context) error

	Sealed() bool
}

// RequestMode 描述安装阶段抓取资源时使用的请求模式。
type RequestMode string

const (
	// ModeDefault 用于同源资源。
	ModeDefault RequestMode = ""
	// ModeNoCORS 用于跨源资源，响应以 opaque 形式保存。
	ModeNoCORS RequestMode = "no-cors"
)

// Request 是缓存键：Method + 完整 URL（含 query）。Mode 只影响抓取方式，不参与匹配。
type Request struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Mode   RequestMode `json:"mode,omitempty"`
}

// NewRequest 构造一个 GET 请求键。
func NewRequest(rawURL string, mode RequestMode) Request {
	return Request{Method: http.MethodGet, URL: rawURL, Mode: mode}
}

// NormalizedMethod 返回大写的方法名，空值视为 GET。
func (r Request) NormalizedMethod() string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

// Key 返回 Method + URL 组合的唯一键。
func (r Request) Key() string {
	return r.NormalizedMethod() + " " + r.URL
}

// Response 是一份被缓存的响应。Opaque 响应只保留正文与 Content-Type，
// 调用方只能把它视为“字节等价或网络错误”，不能据此判断 HTTP 成功。
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	Opaque   bool        `json:"opaque"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回深拷贝，避免调用方改写缓存中的 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// Size 返回正文字节数。
func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// AsOpaque 将响应转换为 opaque 形式：仅保留 Content-Type，其余头部与状态细节不可见。
func (r *Response) AsOpaque() *Response {
	cloned := r.Clone()
	header := http.Header{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	cloned.Header = header
	cloned.Status = http.StatusOK
	cloned.Opaque = true
	return cloned
}

// Cacheable 判断响应是否允许写入缓存：成功 (2xx) 或 opaque。
func (r *Response) Cacheable() bool {
	if r == nil {
		return false
	}
	if r.Opaque {
		return true
	}
	return r.Status >= 200 && r.Status < 300
}

var (
	// ErrNotFound 表示 Store 或条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreSealed 表示 Store 已完成安装，不再接受写入。
	ErrStoreSealed = errors.New("cache store sealed")
	// ErrInvalidName 表示 Store 名称不合法。
	ErrInvalidName = errors.New("invalid cache store name")
	// ErrNotCacheable 表示请求或响应不满足写入条件（非 GET、非成功且非 opaque）。
	ErrNotCacheable = errors.New("request/response not cacheable")
	// ErrStorageClosed 表示 Storage 已关闭。
	ErrStorageClosed = errors.New("cache storage closed")
)

var storeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName 校验 Store 名称可安全地作为目录名或键前缀。
func ValidateName(name string) error {
	if !storeNamePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// checkPut 统一各后端的写入前置条件。
func checkPut(req Request, resp *Response) error {
	if req.NormalizedMethod() != http.MethodGet {
		return ErrNotCacheable
	}
	if strings.TrimSpace(req.URL) == "" {
		return ErrNotCacheable
	}
	if !resp.Cacheable() {
		return ErrNotCacheable
	}
	return nil
}

// storeMeta 记录 Store 的创建时间与封存状态，用于按创建顺序匹配。
type storeMeta struct {
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Sealed   bool      `json:"sealed"`
	SealedAt time.Time `json:"sealed_at,omitempty"`
}

func ctxDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
