package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存。磁盘布局遵循：
//
//	<basePath>/<bucket>/<sha1(key)>.body   # 响应正文
//	<basePath>/<bucket>/<sha1(key)>.meta   # Key、状态码、头部等 JSON 元数据
func NewFileStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入；bucketMu 保证删除整个桶时
// 没有正在进行的读写。
type fileStorage struct {
	basePath string

	bucketMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileMeta struct {
	Key      Key       `json:"key"`
	Response *Response `json:"response"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketPath(name)
	if err != nil {
		return nil, err
	}

	s.bucketMu.RLock()
	defer s.bucketMu.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketPath(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.bucketPath(name)
	if err != nil {
		return false, err
	}

	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) bucketPath(name string) (string, error) {
	if err := ValidateBucketName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidBucketName
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(bucket string, key Key) func() {
	lockKey := bucket + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.storage.bucketMu.RLock()
	defer b.storage.bucketMu.RUnlock()
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	base := b.entryPath(key)
	rawMeta, err := os.ReadFile(base + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta fileMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if meta.Response == nil || meta.Key != normalizeKey(key) {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	meta.Response.Body = body
	return meta.Response, nil
}

func (b *fileBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.storage.bucketMu.RLock()
	defer b.storage.bucketMu.RUnlock()
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	if _, err := os.Stat(b.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 桶已被删除，句柄失效。
			return nil
		}
		return err
	}

	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	rawMeta, err := json.Marshal(fileMeta{Key: normalizeKey(key), Response: stored})
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	base := b.entryPath(key)
	if err := writeFileAtomic(base+bodySuffix, stored.Body); err != nil {
		return err
	}
	return writeFileAtomic(base+metaSuffix, rawMeta)
}

func (b *fileBucket) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.storage.bucketMu.RLock()
	defer b.storage.bucketMu.RUnlock()
	unlock := b.storage.lockEntry(b.name, key)
	defer unlock()

	base := b.entryPath(key)
	err := os.Remove(base + metaSuffix)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	existed := err == nil
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.storage.bucketMu.RLock()
	defer b.storage.bucketMu.RUnlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta fileMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (b *fileBucket) entryPath(key Key) string {
	sum := sha1.Sum([]byte(normalizeKey(key).String()))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:]))
}

// writeFileAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func writeFileAtomic(filePath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
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

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
