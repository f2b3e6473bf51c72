package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Fetcher 负责把一个缓存请求变成网络响应，安装阶段由网络客户端实现。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// PutAllOptions 控制批量写入；Concurrency <= 0 表示所有请求同时发起。
type PutAllOptions struct {
	Concurrency int
}

// PutAllResult 汇总一次批量写入的结果。
type PutAllResult struct {
	Stored int
	Bytes  int64
}

// FailedRequest 记录单个失败的请求及原因。
type FailedRequest struct {
	Request Request
	Err     error
}

// BatchError 表示批量写入中部分请求失败；成功的条目已经写入。
type BatchError struct {
	Total  int
	Failed []FailedRequest
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, failed := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", failed.Request.URL, failed.Err))
	}
	return fmt.Sprintf("%d of %d requests failed: %s", len(e.Failed), e.Total, strings.Join(parts, "; "))
}

// Unwrap 暴露所有底层错误，便于 errors.Is 判断。
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, failed := range e.Failed {
		errs[i] = failed.Err
	}
	return errs
}

// PutAll 并发抓取 reqs 中的每个请求并写入 store。单个请求失败不会中断批次，
// 所有失败汇总为 *BatchError 返回，已成功的条目保持写入状态。
func PutAll(ctx context.Context, store Store, fetcher Fetcher, reqs []Request, opts PutAllOptions) (PutAllResult, error) {
	if store == nil {
		return PutAllResult{}, errors.New("cache store required")
	}
	if fetcher == nil {
		return PutAllResult{}, errors.New("fetcher required")
	}

	var (
		mu     sync.Mutex
		result PutAllResult
		failed = make([]*FailedRequest, len(reqs))
	)

	var g errgroup.Group
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}

	for i, req := range reqs {
		g.Go(func() error {
			resp, err := fetcher.Fetch(ctx, req)
			switch {
			case err != nil:
			case resp == nil:
				err = fmt.Errorf("%w: empty response", ErrNotCacheable)
			case !resp.Cacheable():
				err = fmt.Errorf("%w: status %d", ErrNotCacheable, resp.Status)
			}
			if err == nil {
				err = store.Put(ctx, req, resp)
			}
			if err != nil {
				failed[i] = &FailedRequest{Request: req, Err: err}
				return nil
			}
			mu.Lock()
			result.Stored++
			result.Bytes += resp.Size()
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	batchErr := &BatchError{Total: len(reqs)}
	for _, f := range failed {
		if f != nil {
			batchErr.Failed = append(batchErr.Failed, *f)
		}
	}
	if len(batchErr.Failed) > 0 {
		return result, batchErr
	}
	return result, nil
}
