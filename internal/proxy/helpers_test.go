package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
)

const (
	testDomain    = "converter.local"
	requestIDKey  = "_offlinehub_request_id"
	testNavAccept = "text/html,application/xhtml+xml"
)

// originServer 是一个可记录请求的源站替身。
type originServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
	bodies   map[string][]byte
}

func newOriginServer(t *testing.T) *originServer {
	t.Helper()
	o := &originServer{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.requests = append(o.requests, r.Clone(context.Background()))
		if o.bodies == nil {
			o.bodies = make(map[string][]byte)
		}
		o.bodies[r.Method+" "+r.URL.Path] = body
		o.mu.Unlock()

		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html>shell</html>")
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			w.Header().Set("Connection", "keep-alive")
			_, _ = io.WriteString(w, "console.log('v1')")
		case "/old":
			http.Redirect(w, r, "/new", http.StatusFound)
		case "/api/convert":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"ok":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Server.Close)
	return o
}

func (o *originServer) lastRequest() *http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requests) == 0 {
		return nil
	}
	return o.requests[len(o.requests)-1]
}

func (o *originServer) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

type testHub struct {
	app      *fiber.App
	registry *server.AppRegistry
	route    *server.AppRoute
	origin   *originServer
}

func newTestHub(t *testing.T, install bool) *testHub {
	t.Helper()
	origin := newOriginServer(t)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			StorageBackend:     "memory",
			UpstreamTimeout:    config.Duration(2 * time.Second),
			InstallConcurrency: 2,
		},
		Apps: []config.AppConfig{{
			Name:               "converter",
			Domain:             testDomain,
			Origin:             origin.URL,
			Generation:         "converter-v1",
			ScriptPath:         "/service-worker.js",
			SeedStrategy:       offline.StrategyAbsolute,
			Seeds:              []string{"/", "/index.html"},
			InstallFailureMode: string(offline.InstallStrict),
			FallbackDocument:   offline.DefaultFallbackDocument,
		}},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry, err := server.NewAppRegistry(cfg, server.RegistryOptions{
		Logger:      logger,
		OpenStorage: func(config.AppConfig) (cache.Storage, error) { return cache.NewMemoryStorage(), nil },
		NewFetcher:  FetcherFactory(server.NewUpstreamClient(cfg)),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	route, ok := registry.Lookup(testDomain)
	if !ok {
		t.Fatalf("route missing")
	}
	if install {
		if _, err := route.Install(context.Background()); err != nil {
			t.Fatalf("install: %v", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewDefaultForwarder(NewHandler(logger), logger),
		ListenPort: cfg.Global.ListenPort,
		Diagnostics: func(app *fiber.App, registry *server.AppRegistry) {
			routes.RegisterAppRoutes(app, registry, logger)
		},
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &testHub{app: app, registry: registry, route: route, origin: origin}
}

func (h *testHub) do(t *testing.T, method, target string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+testDomain+target, nil)
	req.Host = testDomain
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
