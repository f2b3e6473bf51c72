package worker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bubble-pop-frenzy/offline-shell/internal/inventory"
)

// Registration 持有当前 active worker，并负责新版本的安装与替换。
type Registration struct {
	opts   Options
	logger *logrus.Logger

	mu     sync.Mutex // 串行化 Register
	active atomic.Pointer[Worker]
}

// NewRegistration 创建一个尚无 active worker 的 Registration。
func NewRegistration(opts Options) (*Registration, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts.Logger = logger
	return &Registration{opts: opts, logger: logger}, nil
}

// Active 返回当前 active worker，没有时为 nil。
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Register 为 manifest 安装一个新 worker。安装成功后旧 worker 变为 redundant，
// 新 worker 执行激活清理后接管拦截；安装失败时保留旧 worker 并返回错误。
// 与当前 active worker 清单相同的注册不产生任何动作。
func (r *Registration) Register(ctx context.Context, manifest inventory.Manifest) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.active.Load()
	if previous != nil && previous.manifest.Equal(manifest) {
		return previous, nil
	}

	next, err := New(manifest, r.opts)
	if err != nil {
		return nil, err
	}
	if _, err := next.Install(ctx); err != nil {
		return nil, err
	}

	if previous != nil {
		previous.markRedundant()
	}
	if err := next.Activate(ctx); err != nil {
		return nil, err
	}
	r.active.Store(next)

	r.logger.WithFields(logrus.Fields{
		"action":     "register",
		"worker_id":  next.ID(),
		"cache_name": string(next.CacheName()),
	}).Info("worker registered")
	return next, nil
}

// Fetch 交给 active worker 处理；没有 active worker 时直接走网络。
func (r *Registration) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if current := r.active.Load(); current != nil {
		return current.Fetch(ctx, req)
	}
	return r.opts.Network.RoundTrip(req.WithContext(ctx))
}

// RoundTrip 让 Registration 可以作为 http.Client 的 Transport。
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Fetch(req.Context(), req)
}
