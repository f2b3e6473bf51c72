package cache

import (
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// NewLevelDBStorage 在 path 下打开（或创建）LevelDB，Store 删除通过单个 Batch 原子完成。
func NewLevelDBStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newKVStorage(&levelBackend{db: db}), nil
}

type levelBackend struct {
	db *leveldb.DB
}

func (b *levelBackend) get(key []byte) ([]byte, error) {
	value, err := b.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, errKeyNotFound
	}
	return value, err
}

func (b *levelBackend) put(key, value []byte) error {
	return b.db.Put(key, value, nil)
}

func (b *levelBackend) scan(prefix []byte, fn func(key, value []byte) error) error {
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return it.Error()
}

func (b *levelBackend) drop(metaKey, prefix []byte) error {
	batch := new(leveldb.Batch)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(metaKey)
	return b.db.Write(batch, nil)
}

func (b *levelBackend) close() error {
	return b.db.Close()
}
