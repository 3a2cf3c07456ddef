package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键空间：
//
//	g:<bucket>               -> 桶登记（值为创建时间）
//	e:<bucket>\x00<key>      -> gob(levelEntry)
const (
	levelBucketPrefix = "g:"
	levelEntryPrefix  = "e:"
)

// NewLevelDBStorage 在 path 打开（或创建）LevelDB 数据库。
func NewLevelDBStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStorage{db: db}, nil
}

type levelStorage struct {
	// mu 串行化桶级别的创建/删除，单条目读写交给 LevelDB 自身保证。
	mu sync.RWMutex
	db *leveldb.DB
}

type levelEntry struct {
	Key      Key
	Response Response
}

func (s *levelStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	marker := []byte(levelBucketPrefix + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := s.db.Put(marker, stamp, nil); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", name, err)
		}
	}
	return &levelBucket{storage: s, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Has([]byte(levelBucketPrefix+name), nil)
}

func (s *levelStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.db.NewIterator(util.BytesPrefix([]byte(levelBucketPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelBucketPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := []byte(levelBucketPrefix + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := s.db.NewIterator(util.BytesPrefix(levelEntryPrefixFor(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func levelEntryPrefixFor(bucket string) []byte {
	return []byte(levelEntryPrefix + bucket + "\x00")
}

type levelBucket struct {
	storage *levelStorage
	name    string
}

func (b *levelBucket) Name() string {
	return b.name
}

func (b *levelBucket) entryKey(key Key) []byte {
	return append(levelEntryPrefixFor(b.name), normalizeKey(key).String()...)
}

func (b *levelBucket) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()

	raw, err := b.storage.db.Get(b.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry levelEntry
	if err := decodeGob(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	resp := entry.Response
	return &resp, nil
}

func (b *levelBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	raw, err := encodeGob(levelEntry{Key: normalizeKey(key), Response: *stored})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	ok, err := b.storage.db.Has([]byte(levelBucketPrefix+b.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		// 桶已被删除，句柄失效。
		return nil
	}
	return b.storage.db.Put(b.entryKey(key), raw, nil)
}

func (b *levelBucket) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()

	entryKey := b.entryKey(key)
	ok, err := b.storage.db.Has(entryKey, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := b.storage.db.Delete(entryKey, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (b *levelBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()

	it := b.storage.db.NewIterator(util.BytesPrefix(levelEntryPrefixFor(b.name)), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		var entry levelEntry
		if err := decodeGob(it.Value(), &entry); err != nil {
			continue
		}
		keys = append(keys, entry.Key)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
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
