package offline

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
)

// RequestMode 对应 fetch 规范中的 request.mode。
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// ResponseType 对应 fetch 规范中的 response.type，只有 basic 响应会被写入缓存。
type ResponseType string

const (
	TypeBasic          ResponseType = "basic"
	TypeCORS           ResponseType = "cors"
	TypeOpaque         ResponseType = "opaque"
	TypeOpaqueRedirect ResponseType = "opaqueredirect"
	TypeError          ResponseType = "error"
)

// Request 是被拦截的一次资源请求。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Mode   RequestMode
	Header http.Header
	Body   []byte
}

// NewRequest 构造 GET 请求，mode 为空时按 no-cors 处理。
func NewRequest(u *url.URL, mode RequestMode) *Request {
	if mode == "" {
		mode = ModeNoCORS
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Mode:   mode,
		Header: http.Header{},
	}
}

// IsNavigation 判断是否为顶层页面导航请求。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Key 返回该请求在缓存桶中的键。
func (r *Request) Key() cache.Key {
	return cache.Key{Method: strings.ToUpper(r.Method), URL: r.URL.String()}
}

// DetectMode 根据请求头推断 request.mode：优先使用 Sec-Fetch-Mode，
// 老旧客户端则以 Sec-Fetch-Dest/Accept 判定顶层文档请求。
func DetectMode(method string, header http.Header) RequestMode {
	switch strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))) {
	case "navigate":
		return ModeNavigate
	case "same-origin":
		return ModeSameOrigin
	case "cors":
		return ModeCORS
	case "no-cors":
		return ModeNoCORS
	}

	if method != http.MethodGet {
		return ModeCORS
	}
	if dest := strings.ToLower(header.Get("Sec-Fetch-Dest")); dest == "document" {
		return ModeNavigate
	}
	if accept := strings.ToLower(header.Get("Accept")); strings.Contains(accept, "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}
