package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

// kvBackend 抽象 LevelDB/Badger 的最小能力集合，键空间布局：
//
//	s:<store>                    -> gob(storeMeta)
//	e:<store>\x00<METHOD> <url>  -> gob(kvEntry)
type kvBackend interface {
	get(key []byte) ([]byte, error)
	put(key, value []byte) error
	scan(prefix []byte, fn func(key, value []byte) error) error
	// drop 在同一批次/事务中删除 metaKey 与 prefix 下的全部键。
	drop(metaKey, prefix []byte) error
	close() error
}

var errKeyNotFound = errors.New("kv key not found")

type kvEntry struct {
	Request  Request
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	Opaque   bool
	StoredAt int64
}

func init() {
	gob.Register(http.Header{})
}

type kvStorage struct {
	backend kvBackend

	mu     sync.Mutex
	stores map[string]*kvStore
	closed bool
}

func newKVStorage(backend kvBackend) *kvStorage {
	return &kvStorage{
		backend: backend,
		stores:  make(map[string]*kvStore),
	}
}

func metaKey(name string) []byte {
	return []byte("s:" + name)
}

func entryPrefix(name string) []byte {
	return []byte("e:" + name + "\x00")
}

func entryKey(name string, req Request) []byte {
	return append(entryPrefix(name), []byte(req.Key())...)
}

func (s *kvStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	if store, ok := s.stores[name]; ok {
		return store, nil
	}

	meta, err := s.readMeta(name)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		meta = storeMeta{Name: name, Created: time.Now().UTC()}
		if err := s.writeMeta(meta); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	store := &kvStore{backend: s.backend, meta: meta}
	s.stores[name] = store
	return store, nil
}

func (s *kvStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctxDone(ctx); err != nil {
		return false, err
	}
	if ValidateName(name) != nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	_, err := s.readMeta(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *kvStorage) Match(ctx context.Context, req Request) (*Response, error) {
	metas, err := s.listMetas()
	if err != nil {
		return nil, err
	}
	return s.matchIn(ctx, metas, req)
}

// matchIn 与 fsStorage 相同：列举后被删除的 store 跳过，不重新写入 meta。
func (s *kvStorage) matchIn(ctx context.Context, metas []storeMeta, req Request) (*Response, error) {
	for _, meta := range metas {
		store, err := s.lookup(meta.Name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		resp, err := store.Match(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *kvStorage) lookup(name string) (*kvStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	if store, ok := s.stores[name]; ok {
		return store, nil
	}
	meta, err := s.readMeta(name)
	if err != nil {
		return nil, err
	}
	store := &kvStore{backend: s.backend, meta: meta}
	s.stores[name] = store
	return store, nil
}

func (s *kvStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	metas, err := s.listMetas()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(metas))
	for i, meta := range metas {
		names[i] = meta.Name
	}
	return names, nil
}

func (s *kvStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctxDone(ctx); err != nil {
		return false, err
	}
	if ValidateName(name) != nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	if _, err := s.readMeta(name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.backend.drop(metaKey(name), entryPrefix(name)); err != nil {
		return false, err
	}
	if store, ok := s.stores[name]; ok {
		store.markDeleted()
		delete(s.stores, name)
	}
	return true, nil
}

func (s *kvStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stores = map[string]*kvStore{}
	return s.backend.close()
}

func (s *kvStorage) readMeta(name string) (storeMeta, error) {
	raw, err := s.backend.get(metaKey(name))
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return storeMeta{}, ErrNotFound
		}
		return storeMeta{}, err
	}
	var meta storeMeta
	if err := decodeGob(raw, &meta); err != nil {
		return storeMeta{}, err
	}
	return meta, nil
}

func (s *kvStorage) writeMeta(meta storeMeta) error {
	raw, err := encodeGob(meta)
	if err != nil {
		return err
	}
	return s.backend.put(metaKey(meta.Name), raw)
}

func (s *kvStorage) listMetas() ([]storeMeta, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStorageClosed
	}

	var metas []storeMeta
	err := s.backend.scan([]byte("s:"), func(_, value []byte) error {
		var meta storeMeta
		if err := decodeGob(value, &meta); err != nil {
			return nil
		}
		metas = append(metas, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMetas(metas)
	return metas, nil
}

type kvStore struct {
	backend kvBackend

	mu      sync.RWMutex
	meta    storeMeta
	deleted bool
}

func (s *kvStore) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Name
}

func (s *kvStore) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Sealed
}

func (s *kvStore) Put(ctx context.Context, req Request, resp *Response) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	if err := checkPut(req, resp); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted {
		return ErrNotFound
	}
	if s.meta.Sealed {
		return ErrStoreSealed
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	entry := kvEntry{
		Request:  Request{Method: req.NormalizedMethod(), URL: req.URL, Mode: req.Mode},
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     resp.Body,
		Opaque:   resp.Opaque,
		StoredAt: storedAt.UnixNano(),
	}
	raw, err := encodeGob(entry)
	if err != nil {
		return err
	}
	return s.backend.put(entryKey(s.meta.Name, req), raw)
}

func (s *kvStore) Match(ctx context.Context, req Request) (*Response, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	if req.NormalizedMethod() != http.MethodGet {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	deleted := s.deleted
	name := s.meta.Name
	s.mu.RUnlock()
	if deleted {
		return nil, ErrNotFound
	}

	raw, err := s.backend.get(entryKey(name, req))
	if err != nil {
		if errors.Is(err, errKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry kvEntry
	if err := decodeGob(raw, &entry); err != nil {
		return nil, err
	}
	return entry.response(), nil
}

func (s *kvStore) Requests(ctx context.Context) ([]Request, error) {
	s.mu.RLock()
	name := s.meta.Name
	s.mu.RUnlock()

	var out []Request
	err := s.backend.scan(entryPrefix(name), func(_, value []byte) error {
		if err := ctxDone(ctx); err != nil {
			return err
		}
		var entry kvEntry
		if err := decodeGob(value, &entry); err != nil {
			return nil
		}
		out = append(out, entry.Request)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *kvStore) Seal(ctx context.Context) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrNotFound
	}
	if s.meta.Sealed {
		return nil
	}
	meta := s.meta
	meta.Sealed = true
	meta.SealedAt = time.Now().UTC()
	raw, err := encodeGob(meta)
	if err != nil {
		return err
	}
	if err := s.backend.put(metaKey(meta.Name), raw); err != nil {
		return err
	}
	s.meta = meta
	return nil
}

func (s *kvStore) markDeleted() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
}

func (e kvEntry) response() *Response {
	responseURL := e.URL
	if responseURL == "" {
		responseURL = e.Request.URL
	}
	return &Response{
		URL:      responseURL,
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		Opaque:   e.Opaque,
		StoredAt: time.Unix(0, e.StoredAt).UTC(),
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
