package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
)

const testOrigin = "https://app.example.com"

var errOffline = errors.New("network unreachable")

// stubFetcher 按 URL 返回预置响应；offline 为 true 时所有请求失败。
type stubFetcher struct {
	mu      sync.Mutex
	routes  map[string]*cache.Response
	failing map[string]error
	offline bool
	calls   []string
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		routes:  make(map[string]*cache.Response),
		failing: make(map[string]error),
	}
}

func (s *stubFetcher) serve(rawURL string, status int, body string) {
	s.serveTyped(rawURL, status, TypeBasic, body)
}

func (s *stubFetcher) serveTyped(rawURL string, status int, typ ResponseType, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	s.routes[rawURL] = &cache.Response{
		URL:    rawURL,
		Status: status,
		Type:   string(typ),
		Header: header,
		Body:   []byte(body),
	}
}

func (s *stubFetcher) fail(rawURL string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[rawURL] = err
}

func (s *stubFetcher) setOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := req.URL.String()
	s.calls = append(s.calls, req.Method+" "+key)
	if s.offline {
		return nil, errOffline
	}
	if err, ok := s.failing[key]; ok {
		return nil, err
	}
	if resp, ok := s.routes[key]; ok {
		return resp.Clone(), nil
	}
	return &cache.Response{URL: key, Status: http.StatusNotFound, Type: string(TypeBasic), Header: http.Header{}}, nil
}

// failingStorage 模拟无法打开缓存桶的存储。
type failingStorage struct {
	cache.Storage
	err error
}

func (f failingStorage) Open(context.Context, string) (cache.Bucket, error) {
	return nil, f.err
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %s: %v", raw, err)
	}
	return u
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(t *testing.T, storage cache.Storage, fetcher Fetcher, opts Options) *Manager {
	t.Helper()
	if opts.Origin == nil {
		opts.Origin = mustURL(t, testOrigin)
	}
	if opts.Generation == "" {
		opts.Generation = "file-converter-v1"
	}
	if opts.AppName == "" {
		opts.AppName = "file-converter"
	}
	m, err := NewManager(storage, fetcher, discardLogger(), opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func getRequest(t *testing.T, rawURL string, mode RequestMode) *Request {
	t.Helper()
	return NewRequest(mustURL(t, rawURL), mode)
}

// putFailingStorage 包装 Storage，对 URL 以 failSuffix 结尾的条目写入失败。
type putFailingStorage struct {
	cache.Storage
	failSuffix string
	err        error
}

func (s putFailingStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return putFailingBucket{Bucket: bucket, failSuffix: s.failSuffix, err: s.err}, nil
}

type putFailingBucket struct {
	cache.Bucket
	failSuffix string
	err        error
}

func (b putFailingBucket) Put(ctx context.Context, key cache.Key, resp *cache.Response) error {
	if strings.HasSuffix(key.URL, b.failSuffix) {
		return b.err
	}
	return b.Bucket.Put(ctx, key, resp)
}

// blockingDeleteStorage 在删除缓存桶时阻塞，直到 release 被关闭。
type blockingDeleteStorage struct {
	cache.Storage
	entered chan struct{}
	release chan struct{}
}

func (s blockingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.Storage.Delete(ctx, name)
}
