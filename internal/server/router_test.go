package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://converter.local/index.html", nil)
	req.Host = "converter.local"
	req.Header.Set("Host", "converter.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Offline-Hub-Host"))
	}

	if app.recorder.routeName != "converter" {
		t.Fatalf("expected converter route, got %s", app.recorder.routeName)
	}

	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Offline-Hub-Host"); got != "unknown.local" {
		t.Fatalf("expected unmapped host header, got %q", got)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
}

func TestRouterMountsDiagnosticsForAnyHost(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/-/ping", nil)
	req.Host = "unknown.local"

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected diagnostics to bypass host routing, got %d", resp.StatusCode)
	}
	if app.recorder.routeName != "" {
		t.Fatalf("proxy handler should not run for diagnostics")
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry := newTestRegistry(t, testConfig(port, testAppConfig("converter", "converter.local", "https://converter.example.com")), nil)
	if _, ok := registry.Lookup("converter.local"); !ok {
		t.Fatalf("registry lookup failed for converter")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
		Diagnostics: func(app *fiber.App, _ *AppRegistry) {
			app.Get("/-/ping", func(c fiber.Ctx) error {
				return c.SendString("pong")
			})
		},
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type proxyRecorder struct {
	lastRoute *AppRoute
	routeName string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *AppRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	return c.SendStatus(fiber.StatusNoContent)
}
