package offline

import (
	"net/http"
	"net/url"
	"testing"
)

func TestAbsoluteSeedsResolveAgainstOrigin(t *testing.T) {
	strategy, ok := ResolveSeedStrategy("Absolute")
	if !ok {
		t.Fatalf("absolute strategy should be registered")
	}
	urls, err := strategy.Resolve(mustURL(t, "https://app.example.com/ignored/path"), nil, strategy.Seeds(nil))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{
		"https://app.example.com/",
		"https://app.example.com/index.html",
		"https://app.example.com/icon-192x192.png",
		"https://app.example.com/icon-512x512.png",
	}
	assertURLs(t, urls, want)

	if _, err := strategy.Resolve(mustURL(t, testOrigin), nil, []string{"index.html"}); err == nil {
		t.Fatalf("relative seed must be rejected by the absolute strategy")
	}
}

func TestDerivedSeedsUseScriptDirectory(t *testing.T) {
	strategy, ok := ResolveSeedStrategy(StrategyDerived)
	if !ok {
		t.Fatalf("derived strategy should be registered")
	}
	script := mustURL(t, "https://app.example.com/apps/converter/service-worker.js")
	urls, err := strategy.Resolve(nil, script, strategy.Seeds(nil))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{
		"https://app.example.com/apps/converter/index.html",
		"https://app.example.com/apps/converter/icon-192x192.png",
		"https://app.example.com/apps/converter/icon-512x512.png",
	}
	assertURLs(t, urls, want)

	if _, err := strategy.Resolve(nil, script, []string{"/index.html"}); err == nil {
		t.Fatalf("root-relative seed must be rejected by the derived strategy")
	}
}

func TestFallbackURLIsRelativeToScript(t *testing.T) {
	cases := map[string]string{
		"https://app.example.com/service-worker.js":          "https://app.example.com/index.html",
		"https://app.example.com/tools/sw.js":                "https://app.example.com/tools/index.html",
		"https://app.example.com/tools/nested/dir/worker.js": "https://app.example.com/tools/nested/dir/index.html",
	}
	for script, want := range cases {
		if got := FallbackURL(mustURL(t, script), "").String(); got != want {
			t.Fatalf("script %s: expected %s, got %s", script, want, got)
		}
	}
	if got := FallbackURL(mustURL(t, "https://app.example.com/a/sw.js"), "/shell.html").String(); got != "https://app.example.com/shell.html" {
		t.Fatalf("absolute fallback document should be kept, got %s", got)
	}
}

func TestRegisterSeedStrategyRejectsDuplicates(t *testing.T) {
	if err := RegisterSeedStrategy(SeedStrategy{Name: StrategyAbsolute, Resolve: resolveAbsoluteSeeds}); err == nil {
		t.Fatalf("duplicate strategy should fail")
	}
	if err := RegisterSeedStrategy(SeedStrategy{Name: "no-resolver"}); err == nil {
		t.Fatalf("strategy without resolver should fail")
	}
	names := SeedStrategyNames()
	if len(names) < 2 || names[0] != StrategyAbsolute || names[1] != StrategyDerived {
		t.Fatalf("unexpected strategy names %v", names)
	}
}

func TestDetectMode(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header map[string]string
		want   RequestMode
	}{
		{"sec-fetch navigate", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "navigate"}, ModeNavigate},
		{"sec-fetch cors", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, ModeCORS},
		{"document dest", http.MethodGet, map[string]string{"Sec-Fetch-Dest": "document"}, ModeNavigate},
		{"html accept", http.MethodGet, map[string]string{"Accept": "text/html,application/xhtml+xml"}, ModeNavigate},
		{"image", http.MethodGet, map[string]string{"Accept": "image/avif,image/webp"}, ModeNoCORS},
		{"post", http.MethodPost, map[string]string{"Accept": "text/html"}, ModeCORS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			for k, v := range tc.header {
				header.Set(k, v)
			}
			if got := DetectMode(tc.method, header); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func assertURLs(t *testing.T, got []*url.URL, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d urls, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Fatalf("url %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
