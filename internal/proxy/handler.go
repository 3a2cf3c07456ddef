package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

const (
	headerSource     = "X-Offline-Hub-Source"
	headerGeneration = "X-Offline-Hub-Generation"
	headerRequestID  = "X-Request-ID"
)

// Handler 把 Fiber 请求转换为 offline.Request，交给当前控制该应用的 worker，
// 再把 Outcome 写回客户端。没有活跃 worker 或请求未被拦截时直接透传到源站。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around the shared logger.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler：网络优先，失败时按缓存/兜底文档应答。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	controller := route.Controller()
	if controller == nil {
		return h.PassThrough(c, route)
	}

	req := buildOfflineRequest(c, route)
	outcome, err := controller.HandleFetch(requestContext(c), req)
	if err != nil {
		h.logResult(route, req, controller.Generation(), offline.SourceNone, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "cache_unavailable", requestID)
	}
	if !outcome.Intercepted {
		return h.forward(c, route, req, requestID, started)
	}
	if outcome.Response == nil {
		h.logResult(route, req, outcome.Generation, outcome.Source, requestID, fiber.StatusGatewayTimeout, started, errors.New("network error with no cached response"))
		c.Set(headerSource, string(outcome.Source))
		c.Set(headerGeneration, outcome.Generation)
		return h.writeError(c, fiber.StatusGatewayTimeout, "network_error", requestID)
	}

	h.writeResponse(c, outcome.Response, outcome.Source, outcome.Generation, requestID)
	h.logResult(route, req, outcome.Generation, outcome.Source, requestID, outcome.Response.Status, started, nil)
	return nil
}

// PassThrough 不经过 worker 直接访问源站，响应不会写入缓存。
func (h *Handler) PassThrough(c fiber.Ctx, route *server.AppRoute) error {
	return h.forward(c, route, buildOfflineRequest(c, route), server.RequestID(c), time.Now())
}

func (h *Handler) forward(c fiber.Ctx, route *server.AppRoute, req *offline.Request, requestID string, started time.Time) error {
	if route.Fetcher == nil {
		h.logResult(route, req, "", offline.SourcePassthrough, requestID, 0, started, errors.New("fetcher not configured"))
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed", requestID)
	}
	resp, err := route.Fetcher.Fetch(requestContext(c), req)
	if err != nil {
		h.logResult(route, req, "", offline.SourcePassthrough, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed", requestID)
	}
	h.writeResponse(c, resp, offline.SourcePassthrough, "", requestID)
	h.logResult(route, req, "", offline.SourcePassthrough, requestID, resp.Status, started, nil)
	return nil
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *cache.Response, source offline.Source, generation, requestID string) {
	copyResponseHeaders(c, resp.Header)
	c.Set(headerSource, string(source))
	if generation != "" {
		c.Set(headerGeneration, generation)
	}
	if requestID != "" {
		c.Set(headerRequestID, requestID)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return
	}
	c.Response().SetBodyRaw(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	if requestID != "" {
		c.Set(headerRequestID, requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.AppRoute,
	req *offline.Request,
	generation string,
	source offline.Source,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	cacheHit := source == offline.SourceCache || source == offline.SourceFallback
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, generation, string(source), cacheHit)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["mode"] = string(req.Mode)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildOfflineRequest 将客户端请求映射到源站绝对地址，并补齐 X-Forwarded-* 头。
func buildOfflineRequest(c fiber.Ctx, route *server.AppRoute) *offline.Request {
	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))

	method := c.Method()
	return &offline.Request{
		Method: method,
		URL:    resolveOriginURL(route, c),
		Mode:   offline.DetectMode(method, header),
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
	}
}

func resolveOriginURL(route *server.AppRoute, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return route.OriginURL.ResolveReference(relative)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if clean != "/" && raw[len(raw)-1] == '/' {
		clean += "/"
	}
	return clean
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
