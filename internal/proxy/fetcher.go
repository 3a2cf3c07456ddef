package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// maxBodyBytes 限制单个响应读入内存的大小，超过即视为网络失败。
const maxBodyBytes = 64 << 20

// NetworkFetcher 通过共享 http.Client 访问应用源站，实现 offline.Fetcher。
// 不跟随重定向；响应类型按请求是否与源站同源区分 basic/cors。
type NetworkFetcher struct {
	client *http.Client
	origin *url.URL
	port   int
}

// NewNetworkFetcher 为路由构造 fetcher，配置了 Proxy 时使用独立 transport。
func NewNetworkFetcher(client *http.Client, route *server.AppRoute) *NetworkFetcher {
	f := &NetworkFetcher{client: client}
	if route != nil {
		f.client = server.WithProxy(client, route.ProxyURL)
		f.origin = route.OriginURL
		f.port = route.ListenPort
	}
	return f
}

// FetcherFactory 返回可直接注入 server.RegistryOptions 的工厂函数。
func FetcherFactory(client *http.Client) server.FetcherFactory {
	return func(route *server.AppRoute) offline.Fetcher {
		return NewNetworkFetcher(client, route)
	}
}

// Fetch 发出请求并完整读取正文。传输层错误原样返回，由 worker 决定是否回退缓存。
func (f *NetworkFetcher) Fetch(ctx context.Context, req *offline.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, fmt.Errorf("request url is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	upstream, err := f.buildUpstreamRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxBodyBytes)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Type:   string(f.classify(req.URL, resp.StatusCode)),
		Header: header,
		Body:   body,
	}, nil
}

func (f *NetworkFetcher) buildUpstreamRequest(ctx context.Context, req *offline.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	upstream, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(upstream.Header, req.Header)
	upstream.Header.Del("Accept-Encoding")
	upstream.Header.Del("Host")
	upstream.Host = req.URL.Host
	if upstream.Header.Get("X-Forwarded-Port") == "" && f.port > 0 {
		upstream.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", f.port))
	}
	return upstream, nil
}

// classify 映射 fetch 规范的 response.type：重定向为 opaqueredirect，
// 与源站同源为 basic，其余为 cors。
func (f *NetworkFetcher) classify(target *url.URL, status int) offline.ResponseType {
	if isRedirect(status) {
		return offline.TypeOpaqueRedirect
	}
	if f.origin == nil || sameOrigin(f.origin, target) {
		return offline.TypeBasic
	}
	return offline.TypeCORS
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
