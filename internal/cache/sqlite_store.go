package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_buckets (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	bucket     TEXT NOT NULL REFERENCES cache_buckets(name) ON DELETE CASCADE,
	method     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	type       TEXT NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (bucket, method, url)
);`

// NewSQLiteStorage 在 path 打开（或创建）SQLite 数据库并初始化表结构。
func NewSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接即可保证 PRAGMA 对所有语句生效，也避免 SQLITE_BUSY。
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStorage{sqlDB: sqlDB}, nil
}

type sqliteStorage struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM cache_buckets WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_buckets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ?`, name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cache_buckets WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type sqliteBucket struct {
	storage *sqliteStorage
	name    string
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key Key) (*Response, error) {
	key = normalizeKey(key)
	var (
		resp     Response
		header   string
		storedAt int64
	)
	err := b.storage.sqlDB.QueryRowContext(ctx,
		`SELECT url, status, type, header, body, stored_at FROM cache_entries
		 WHERE bucket = ? AND method = ? AND url = ?`,
		b.name, key.Method, key.URL,
	).Scan(&resp.URL, &resp.Status, &resp.Type, &header, &resp.Body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp.Header = http.Header{}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	resp.StoredAt = fromMillis(storedAt)
	return &resp, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	key = normalizeKey(key)
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode cached header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	// 桶被删除后外键约束不满足，此处按失效句柄处理，与其它后端一致。
	ok, err := b.storage.Has(ctx, b.name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = b.storage.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_entries (bucket, method, url, status, type, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, method, url) DO UPDATE SET
		   status = excluded.status,
		   type = excluded.type,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		b.name, key.Method, key.URL, resp.Status, resp.Type, string(header), body, toMillis(storedAt),
	)
	return err
}

func (b *sqliteBucket) Delete(ctx context.Context, key Key) (bool, error) {
	key = normalizeKey(key)
	result, err := b.storage.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE bucket = ? AND method = ? AND url = ?`,
		b.name, key.Method, key.URL)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]Key, error) {
	rows, err := b.storage.sqlDB.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE bucket = ?`, b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
