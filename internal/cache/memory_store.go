package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内缓存，适合测试或不需要跨重启保留缓存的部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

type memoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		bucket = &memoryBucket{name: name, entries: make(map[string]memoryEntry)}
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	delete(s.buckets, name)
	bucket.drop()
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

type memoryEntry struct {
	key  Key
	resp *Response
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[normalizeKey(key).String()]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key Key, resp *Response) error {
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
	key = normalizeKey(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	// 桶被删除后句柄失效，写入直接丢弃。
	if b.entries == nil {
		return nil
	}
	b.entries[key.String()] = memoryEntry{key: key, resp: stored}
	return nil
}

func (b *memoryBucket) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	id := normalizeKey(key).String()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return false, nil
	}
	delete(b.entries, id)
	return true, nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]Key, 0, len(b.entries))
	for _, entry := range b.entries {
		keys = append(keys, entry.key)
	}
	sortKeys(keys)
	return keys, nil
}

func (b *memoryBucket) drop() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}
