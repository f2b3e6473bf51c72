package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
	"github.com/bubble-pop-frenzy/offline-shell/internal/inventory"
	"github.com/bubble-pop-frenzy/offline-shell/internal/logging"
	"github.com/bubble-pop-frenzy/offline-shell/internal/telemetry"
)

// 命中缓存时附加的响应头。
const (
	HeaderCache        = "X-Offline-Shell-Cache"
	HeaderResponseType = "X-Offline-Shell-Response"
)

// Network 是 worker 访问网络的能力：安装阶段按缓存请求抓取，拦截阶段透传原始请求。
type Network interface {
	cache.Fetcher
	http.RoundTripper
}

// Options 描述 worker 运行所需的宿主环境。
type Options struct {
	Storage cache.Storage
	Network Network
	// Scope 是 worker 所在目录，清单中的相对路径基于它解析。
	Scope  *url.URL
	Logger *logrus.Logger
	// Concurrency 限制安装阶段的并发抓取数，<=0 表示不限制。
	Concurrency int
}

func (o Options) validate() error {
	if o.Storage == nil {
		return errors.New("cache storage required")
	}
	if o.Network == nil {
		return errors.New("network required")
	}
	if o.Scope == nil || !o.Scope.IsAbs() {
		return errors.New("absolute scope url required")
	}
	return nil
}

// InstallReport 汇总一次安装的结果。
type InstallReport struct {
	CacheName string                `json:"cache_name"`
	Requested int                   `json:"requested"`
	Stored    int                   `json:"stored"`
	Bytes     int64                 `json:"bytes"`
	Failed    []cache.FailedRequest `json:"-"`
	// Reused 表示同名 Store 已在之前的安装中封存，本次未重新抓取。
	Reused   bool          `json:"reused"`
	Duration time.Duration `json:"duration"`
}

// Worker 是某个清单版本对应的后台 worker。
type Worker struct {
	id       string
	manifest inventory.Manifest
	opts     Options
	logger   *logrus.Logger
	tracer   trace.Tracer

	mu     sync.RWMutex
	state  State
	report InstallReport
}

// New 解析清单得到一个处于 parsed 状态的 worker。
func New(manifest inventory.Manifest, opts Options) (*Worker, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		id:       uuid.NewString(),
		manifest: manifest.Clone(),
		opts:     opts,
		logger:   logger,
		tracer:   telemetry.Tracer("worker"),
		state:    StateParsed,
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) CacheName() inventory.CacheName {
	return w.manifest.CacheName
}

// Manifest 返回清单副本。
func (w *Worker) Manifest() inventory.Manifest {
	return w.manifest.Clone()
}

func (w *Worker) Scope() *url.URL {
	scope := *w.opts.Scope
	return &scope
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Report 返回最近一次安装的结果。
func (w *Worker) Report() InstallReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	report := w.report
	report.Failed = append([]cache.FailedRequest(nil), w.report.Failed...)
	return report
}

func (w *Worker) entry() *logrus.Entry {
	return w.logger.WithFields(logging.WorkerFields(w.id, string(w.manifest.CacheName), string(w.State())))
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// markRedundant 让 worker 退出服务，此后 Fetch 只走网络。
func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
	w.entry().Info("worker redundant")
}

// Install 打开当前缓存名对应的 Store 并写入全部清单条目。
// 打开 Store 失败会让 worker 进入 redundant 并返回错误；单个条目抓取失败只记录警告。
// 同名 Store 已封存时直接复用，不会重新抓取。安装从不删除其它 Store。
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	w.mu.Lock()
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		w.mu.Unlock()
		return InstallReport{}, err
	}
	w.mu.Unlock()

	name := string(w.manifest.CacheName)
	ctx, span := w.tracer.Start(ctx, "worker.install", trace.WithAttributes(
		attribute.String("cache.name", name),
		attribute.Int("cache.assets", len(w.manifest.Assets)),
	))
	defer span.End()

	started := time.Now()
	report := InstallReport{CacheName: name, Requested: len(w.manifest.Assets)}

	fail := func(err error) (InstallReport, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.setState(StateRedundant)
		w.entry().WithError(err).Error("worker install failed")
		return report, err
	}

	reqs, err := w.manifest.Requests(w.opts.Scope)
	if err != nil {
		return fail(err)
	}

	store, err := w.opts.Storage.Open(ctx, name)
	if err != nil {
		return fail(fmt.Errorf("open cache store %s: %w", name, err))
	}

	if store.Sealed() {
		report.Reused = true
		if keys, err := store.Requests(ctx); err == nil {
			report.Stored = len(keys)
		}
	} else {
		result, err := cache.PutAll(ctx, store, w.opts.Network, reqs, cache.PutAllOptions{Concurrency: w.opts.Concurrency})
		report.Stored = result.Stored
		report.Bytes = result.Bytes
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr)
		}
		var batchErr *cache.BatchError
		if errors.As(err, &batchErr) {
			report.Failed = batchErr.Failed
			for _, failed := range batchErr.Failed {
				w.entry().WithFields(logrus.Fields{
					"action": "install",
					"url":    failed.Request.URL,
				}).WithError(failed.Err).Warn("asset not cached")
			}
		} else if err != nil {
			return fail(err)
		}
		if err := store.Seal(ctx); err != nil {
			return fail(fmt.Errorf("seal cache store %s: %w", name, err))
		}
	}

	report.Duration = time.Since(started)
	span.SetAttributes(
		attribute.Int("cache.stored", report.Stored),
		attribute.Int("cache.failed", len(report.Failed)),
		attribute.Bool("cache.reused", report.Reused),
	)

	w.mu.Lock()
	w.report = report
	w.state = StateInstalled
	w.mu.Unlock()

	w.entry().WithFields(logrus.Fields{
		"action":   "install",
		"stored":   report.Stored,
		"failed":   len(report.Failed),
		"bytes":    humanize.Bytes(uint64(report.Bytes)),
		"reused":   report.Reused,
		"duration": report.Duration.String(),
	}).Info("worker installed")
	return report, nil
}

// Activate 删除所有非当前名称的 Store，随后进入 active。
// 枚举或删除失败只记录日志，不影响激活。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()

	current := string(w.manifest.CacheName)
	ctx, span := w.tracer.Start(ctx, "worker.activate", trace.WithAttributes(
		attribute.String("cache.name", current),
	))
	defer span.End()

	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		span.RecordError(err)
		w.entry().WithError(err).Warn("list cache stores failed")
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		removed []string
	)
	for _, name := range names {
		if name == current {
			continue
		}
		g.Go(func() error {
			if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
				w.entry().WithField("stale_cache", name).WithError(err).Warn("delete stale cache store failed")
				return nil
			}
			mu.Lock()
			removed = append(removed, name)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.StringSlice("cache.removed", removed))
	w.setState(StateActive)
	w.entry().WithFields(logrus.Fields{
		"action":  "activate",
		"removed": removed,
	}).Info("worker active")
	return nil
}

// Fetch 拦截一次请求：非 GET 请求或非 active worker 直接走网络；
// GET 请求先在所有 Store 中查找，命中即返回缓存副本，未命中再走网络。
// 查找失败视为未命中；网络错误原样返回。网络响应不会写回缓存。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := w.tracer.Start(ctx, "worker.fetch", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
	))
	defer span.End()

	if w.State() == StateActive && cacheableRequest(req) {
		cached, err := w.opts.Storage.Match(ctx, cache.Request{Method: http.MethodGet, URL: req.URL.String()})
		switch {
		case err == nil:
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cachedHTTPResponse(req, cached), nil
		case !errors.Is(err, cache.ErrNotFound):
			w.entry().WithField("url", req.URL.String()).WithError(err).Warn("cache lookup failed")
		}
	}

	span.SetAttributes(attribute.Bool("cache.hit", false))
	resp, err := w.opts.Network.RoundTrip(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// RoundTrip 让 worker 可以直接作为 http.Client 的 Transport。
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return w.Fetch(req.Context(), req)
}

func cacheableRequest(req *http.Request) bool {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return method == http.MethodGet && req.URL != nil && req.URL.IsAbs()
}

func cachedHTTPResponse(req *http.Request, cached *cache.Response) *http.Response {
	header := cached.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, "hit")
	if cached.Opaque {
		header.Set(HeaderResponseType, "opaque")
	}
	header.Set("Content-Length", strconv.Itoa(len(cached.Body)))
	status := cached.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}
