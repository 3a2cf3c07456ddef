package cache

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
)

// Backend 标识缓存持久化实现。
type Backend string

const (
	BackendFS      Backend = "fs"
	BackendLevelDB Backend = "leveldb"
	BackendSQLite  Backend = "sqlite"
	BackendMemory  Backend = "memory"
)

// Backends 返回全部受支持的后端名称，供配置校验使用。
func Backends() []Backend {
	return []Backend{BackendFS, BackendLevelDB, BackendSQLite, BackendMemory}
}

// Open 根据 backend 在 root 下构建 Storage。每个应用应使用独立的 root，
// 以免 Activate 误删其它应用的缓存代际。
func Open(backend Backend, root string) (Storage, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(string(backend)))) {
	case BackendFS, "":
		return NewFileStorage(root)
	case BackendLevelDB:
		return NewLevelDBStorage(filepath.Join(root, "leveldb"))
	case BackendSQLite:
		return NewSQLiteStorage(filepath.Join(root, "cache.db"))
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

// ValidateBucketName 校验缓存桶名称：不能为空、首尾不能有空白、不能以 . 开头或包含路径分隔符。
func ValidateBucketName(name string) error {
	if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
		return ErrInvalidBucketName
	}
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidBucketName
	}
	return nil
}

func normalizeKey(key Key) Key {
	if key.Method == "" {
		key.Method = http.MethodGet
	}
	key.Method = strings.ToUpper(key.Method)
	return key
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
