package cache

import (
	"context"
	"fmt"
)

// Unavailable 返回一个所有操作都失败的 Storage，用于底层存储无法打开时让服务以纯网络模式继续运行。
func Unavailable(cause error) Storage {
	if cause == nil {
		cause = ErrStorageClosed
	}
	return unavailableStorage{err: fmt.Errorf("cache storage unavailable: %w", cause)}
}

type unavailableStorage struct {
	err error
}

func (u unavailableStorage) Open(context.Context, string) (Store, error) {
	return nil, u.err
}

func (u unavailableStorage) Has(context.Context, string) (bool, error) {
	return false, u.err
}

func (u unavailableStorage) Match(context.Context, Request) (*Response, error) {
	return nil, u.err
}

func (u unavailableStorage) Keys(context.Context) ([]string, error) {
	return nil, u.err
}

func (u unavailableStorage) Delete(context.Context, string) (bool, error) {
	return false, u.err
}

func (u unavailableStorage) Close() error {
	return nil
}
