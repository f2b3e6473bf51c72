package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	storeMetaFile = ".store.json"
	trashPrefix   = ".trash-"
	bodySuffix    = ".body"
	metaSuffix    = ".meta"
)

// NewFSStorage 以 basePath 为根目录构建文件缓存，目录布局：
//
//	<basePath>/<store>/.store.json
//	<basePath>/<store>/<method>/<scheme>/<host>/<path>.body   # 正文
//	<basePath>/<store>/<method>/<scheme>/<host>/<path>.meta   # 请求 + 响应头
func NewFSStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fsStorage{
		basePath: abs,
		stores:   make(map[string]*fsStore),
	}
	s.sweepTrash()
	return s, nil
}

// fsStorage 通过 mu 串行化 Open/Delete，同一名称始终返回同一个 fsStore。
type fsStorage struct {
	basePath string

	mu     sync.Mutex
	stores map[string]*fsStore
	closed bool
}

func (s *fsStorage) Open(ctx context.Context, name string) (Store, error) {
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

	dir := filepath.Join(s.basePath, name)
	meta, err := readStoreMeta(dir)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		meta = storeMeta{Name: name, Created: time.Now().UTC()}
		if err := writeJSONAtomic(filepath.Join(dir, storeMetaFile), meta); err != nil {
			return nil, fmt.Errorf("write store meta: %w", err)
		}
	default:
		return nil, err
	}

	store := newFSStore(dir, meta)
	s.stores[name] = store
	return store, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
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
	_, err := readStoreMeta(filepath.Join(s.basePath, name))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *fsStorage) Match(ctx context.Context, req Request) (*Response, error) {
	metas, err := s.listMetas()
	if err != nil {
		return nil, err
	}
	return s.matchIn(ctx, metas, req)
}

// matchIn 按 metas 顺序查找；列举之后被删除的 store 直接跳过，不会被重新创建。
func (s *fsStorage) matchIn(ctx context.Context, metas []storeMeta, req Request) (*Response, error) {
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

// lookup 只返回磁盘上仍存在的 store。
func (s *fsStorage) lookup(name string) (*fsStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	if store, ok := s.stores[name]; ok {
		return store, nil
	}
	dir := filepath.Join(s.basePath, name)
	meta, err := readStoreMeta(dir)
	if err != nil {
		return nil, err
	}
	store := newFSStore(dir, meta)
	s.stores[name] = store
	return store, nil
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
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

// Delete 先把目录改名到 .trash-*（原子操作），再清理回收目录。
func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
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

	dir := filepath.Join(s.basePath, name)
	if _, err := readStoreMeta(dir); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	trash := filepath.Join(s.basePath, fmt.Sprintf("%s%s-%d", trashPrefix, name, time.Now().UnixNano()))
	if err := os.Rename(dir, trash); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	if store, ok := s.stores[name]; ok {
		store.markDeleted()
		delete(s.stores, name)
	}
	_ = os.RemoveAll(trash)
	return true, nil
}

func (s *fsStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stores = map[string]*fsStore{}
	return nil
}

func (s *fsStorage) listMetas() ([]storeMeta, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStorageClosed
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	metas := make([]storeMeta, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		meta, err := readStoreMeta(filepath.Join(s.basePath, entry.Name()))
		if err != nil {
			continue
		}
		meta.Name = entry.Name()
		metas = append(metas, meta)
	}
	sortMetas(metas)
	return metas, nil
}

// sweepTrash 清理上次进程在删除过程中遗留的回收目录。
func (s *fsStorage) sweepTrash() {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), trashPrefix) {
			_ = os.RemoveAll(filepath.Join(s.basePath, entry.Name()))
		}
	}
}

// fsStore 通过 entryLock 避免同一请求键并发写入。
type fsStore struct {
	dir string

	mu      sync.RWMutex
	meta    storeMeta
	deleted bool

	lockMu sync.Mutex
	locks  map[string]*entryLock
}

func newFSStore(dir string, meta storeMeta) *fsStore {
	return &fsStore{
		dir:   dir,
		meta:  meta,
		locks: make(map[string]*entryLock),
	}
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fsEntryMeta struct {
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

func (s *fsStore) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Name
}

func (s *fsStore) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Sealed
}

func (s *fsStore) Put(ctx context.Context, req Request, resp *Response) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	if err := checkPut(req, resp); err != nil {
		return err
	}
	if err := s.writable(); err != nil {
		return err
	}

	unlock := s.lockEntry(req.Key())
	defer unlock()

	bodyPath, metaPath, err := s.entryPath(req)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return err
	}

	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	if err := writeFileAtomic(bodyPath, stored.Body); err != nil {
		return err
	}
	entry := fsEntryMeta{
		Request:  Request{Method: req.NormalizedMethod(), URL: req.URL, Mode: req.Mode},
		Response: *stored,
	}
	return writeJSONAtomic(metaPath, entry)
}

func (s *fsStore) Match(ctx context.Context, req Request) (*Response, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	if req.NormalizedMethod() != "GET" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	deleted := s.deleted
	s.mu.RUnlock()
	if deleted {
		return nil, ErrNotFound
	}

	bodyPath, metaPath, err := s.entryPath(req)
	if err != nil {
		return nil, ErrNotFound
	}

	var entry fsEntryMeta
	if err := readJSON(metaPath, &entry); err != nil {
		return nil, err
	}
	if entry.Request.URL != req.URL {
		return nil, ErrNotFound
	}
	info, err := os.Stat(bodyPath)
	if err != nil || info.IsDir() {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp := entry.Response
	resp.Body = body
	return &resp, nil
}

func (s *fsStore) Requests(ctx context.Context) ([]Request, error) {
	var out []Request
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctxDone(ctx); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return nil
		}
		var entry fsEntryMeta
		if err := readJSON(p, &entry); err != nil {
			return nil
		}
		out = append(out, entry.Request)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *fsStore) Seal(ctx context.Context) error {
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
	if err := writeJSONAtomic(filepath.Join(s.dir, storeMetaFile), meta); err != nil {
		return err
	}
	s.meta = meta
	return nil
}

func (s *fsStore) writable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted {
		return ErrNotFound
	}
	if s.meta.Sealed {
		return ErrStoreSealed
	}
	return nil
}

func (s *fsStore) markDeleted() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
}

func (s *fsStore) lockEntry(key string) func() {
	s.lockMu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.lockMu.Unlock()
	}
}

// entryPath 将请求键映射为正文/元数据文件路径。目录型 URL（以 / 结尾）落到 __index，
// 带 query 的 URL 追加 /__qs/<sha1>，因此 /index.html 与 /index.html?v=2 互不覆盖。
func (s *fsStore) entryPath(req Request) (string, string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("absolute url required: %s", req.URL)
	}

	rel := u.EscapedPath()
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += "__index"
	}
	rel = path.Clean("/" + rel)
	if u.RawQuery != "" {
		sum := sha1.Sum([]byte(u.RawQuery))
		rel = fmt.Sprintf("%s/__qs/%s", rel, hex.EncodeToString(sum[:]))
	}
	rel = strings.TrimPrefix(rel, "/")

	host := strings.ReplaceAll(strings.ToLower(u.Host), ":", "_")
	root := filepath.Join(s.dir, strings.ToLower(req.NormalizedMethod()), strings.ToLower(u.Scheme), host)
	base := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(base, root+string(filepath.Separator)) {
		return "", "", errors.New("invalid cache path")
	}
	return base + bodySuffix, base + metaSuffix, nil
}

func sortMetas(metas []storeMeta) {
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Created.Equal(metas[j].Created) {
			return metas[i].Name < metas[j].Name
		}
		return metas[i].Created.Before(metas[j].Created)
	})
}

func readStoreMeta(dir string) (storeMeta, error) {
	var meta storeMeta
	if err := readJSON(filepath.Join(dir, storeMetaFile), &meta); err != nil {
		return storeMeta{}, err
	}
	return meta, nil
}

func readJSON(p string, v interface{}) error {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSONAtomic(p string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(p, data)
}

// writeFileAtomic 先写临时文件再 rename，失败时清理临时文件。
func writeFileAtomic(p string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(p), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, p); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
