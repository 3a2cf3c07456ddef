package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理一个应用下所有命名缓存桶（即缓存代际）。磁盘布局由具体后端决定，
// 但语义保持一致：桶之间相互独立，删除桶即删除其全部条目。
type Storage interface {
	// Open 打开名为 name 的缓存桶，不存在时自动创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回当前持久化的全部缓存桶名称（按字典序）。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个缓存桶，返回该桶删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Bucket 表示一个缓存代际，内部是 Key → Response 的映射，同一 Key 后写覆盖先写。
type Bucket interface {
	Name() string

	// Match 返回 Key 对应的缓存响应，若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入（或覆盖）Key 对应的响应。实现需自行复制 resp，调用方可继续使用原对象。
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete 删除 Key 对应的条目，返回条目此前是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 返回桶内全部 Key，主要用于诊断输出。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目。只有 GET 请求会进入缓存，但 Method 仍然参与键值，
// 避免未来扩展时出现歧义。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 以 GET 方法构造 Key。
func NewKey(rawURL string) Key {
	return Key{Method: http.MethodGet, URL: rawURL}
}

// String 返回 "<METHOD> <URL>" 形式，作为各后端的存储键。
func (k Key) String() string {
	method := k.Method
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + k.URL
}

// Response 是缓存中保存的完整响应：状态码、头部、正文以及响应类型。
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Type     string      `json:"type"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 深拷贝响应，对应浏览器中 response.clone() 的语义。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidBucketName 表示缓存桶名称为空或包含非法字符。
var ErrInvalidBucketName = errors.New("invalid cache bucket name")
