package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

// Forwarder 根据应用是否已有活跃 worker 选择受控 handler 或透传 handler，
// 并把 handler 的 panic 转换为 500 JSON 响应。
type Forwarder struct {
	controlled  server.ProxyHandler
	passthrough server.ProxyHandler
	logger      *logrus.Logger
}

// NewForwarder 创建 Forwarder。passthrough 为空时未受控的请求会返回 handler_missing。
func NewForwarder(controlled, passthrough server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		controlled:  controlled,
		passthrough: passthrough,
		logger:      logger,
	}
}

// NewDefaultForwarder 以同一个 Handler 提供受控与透传两条路径。
func NewDefaultForwarder(handler *Handler, logger *logrus.Logger) *Forwarder {
	return NewForwarder(handler, server.ProxyHandlerFunc(handler.PassThrough), logger)
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.AppRoute) error {
	requestID := server.RequestID(c)
	handler := f.lookup(route)
	if handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, handler, requestID)
}

func (f *Forwarder) lookup(route *server.AppRoute) server.ProxyHandler {
	if route != nil && route.Controller() != nil {
		return f.controlled
	}
	return f.passthrough
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.AppRoute, requestID string) error {
	f.logHandlerError(route, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.AppRoute, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.AppRoute, recovered interface{}, requestID string) error {
	f.logHandlerError(route, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set(headerRequestID, requestID)
	}
}

func (f *Forwarder) logHandlerError(route *server.AppRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func (f *Forwarder) routeFields(route *server.AppRoute, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", "", false)
	} else {
		generation := ""
		if controller := route.Controller(); controller != nil {
			generation = controller.Generation()
		}
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, generation, "", false)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
