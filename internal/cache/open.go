package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Open 根据后端名称（fs/leveldb/badger）在 basePath 下构建 Storage。
// KV 后端使用 basePath 下的独立子目录，避免与文件布局混用。
func Open(backend, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "fs":
		return NewFSStorage(basePath)
	case "leveldb":
		return NewLevelDBStorage(filepath.Join(basePath, "leveldb"))
	case "badger":
		return NewBadgerStorage(filepath.Join(basePath, "badger"))
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
