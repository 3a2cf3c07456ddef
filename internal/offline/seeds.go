package offline

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

const (
	// StrategyAbsolute 将种子视为以 / 开头的站点根相对路径。
	StrategyAbsolute = "absolute"
	// StrategyDerived 以 worker 脚本所在目录为基准拼接种子文件名。
	StrategyDerived = "derived"

	// DefaultFallbackDocument 是离线导航时兜底返回的根文档。
	DefaultFallbackDocument = "index.html"
)

// SeedResolver 根据应用 origin、worker 脚本地址与配置中的种子列表计算需要预缓存的绝对 URL。
type SeedResolver func(origin, script *url.URL, seeds []string) ([]*url.URL, error)

// SeedStrategy 记录一个种子计算策略的静态信息，供配置校验和诊断端使用。
type SeedStrategy struct {
	Name         string
	Description  string
	DefaultSeeds []string
	Resolve      SeedResolver
}

// Seeds 返回 seeds，为空时回退到策略默认值。
func (s SeedStrategy) Seeds(seeds []string) []string {
	if len(seeds) == 0 {
		return append([]string(nil), s.DefaultSeeds...)
	}
	return append([]string(nil), seeds...)
}

var seedStrategies = newStrategyRegistry()

func init() {
	MustRegisterSeedStrategy(SeedStrategy{
		Name:         StrategyAbsolute,
		Description:  "root-relative paths resolved against the app origin",
		DefaultSeeds: []string{"/", "/index.html", "/icon-192x192.png", "/icon-512x512.png"},
		Resolve:      resolveAbsoluteSeeds,
	})
	MustRegisterSeedStrategy(SeedStrategy{
		Name:         StrategyDerived,
		Description:  "file names appended to the worker script directory",
		DefaultSeeds: []string{"index.html", "icon-192x192.png", "icon-512x512.png"},
		Resolve:      resolveDerivedSeeds,
	})
}

type strategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]SeedStrategy
}

func newStrategyRegistry() *strategyRegistry {
	return &strategyRegistry{strategies: make(map[string]SeedStrategy)}
}

// RegisterSeedStrategy 将策略加入全局注册表，重复名称会返回错误。
func RegisterSeedStrategy(strategy SeedStrategy) error {
	name := normalizeStrategyName(strategy.Name)
	if name == "" {
		return fmt.Errorf("seed strategy name is required")
	}
	if strategy.Resolve == nil {
		return fmt.Errorf("seed strategy %s has no resolver", name)
	}
	strategy.Name = name

	seedStrategies.mu.Lock()
	defer seedStrategies.mu.Unlock()
	if _, exists := seedStrategies.strategies[name]; exists {
		return fmt.Errorf("seed strategy %s already registered", name)
	}
	seedStrategies.strategies[name] = strategy
	return nil
}

// MustRegisterSeedStrategy 在注册失败时 panic，适合 init() 中调用。
func MustRegisterSeedStrategy(strategy SeedStrategy) {
	if err := RegisterSeedStrategy(strategy); err != nil {
		panic(err)
	}
}

// ResolveSeedStrategy 返回指定名称的策略。
func ResolveSeedStrategy(name string) (SeedStrategy, bool) {
	key := normalizeStrategyName(name)
	if key == "" {
		return SeedStrategy{}, false
	}
	seedStrategies.mu.RLock()
	defer seedStrategies.mu.RUnlock()
	strategy, ok := seedStrategies.strategies[key]
	return strategy, ok
}

// SeedStrategyNames 返回按字典序排列的策略名称。
func SeedStrategyNames() []string {
	seedStrategies.mu.RLock()
	defer seedStrategies.mu.RUnlock()
	names := make([]string, 0, len(seedStrategies.strategies))
	for name := range seedStrategies.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeStrategyName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func resolveAbsoluteSeeds(origin, _ *url.URL, seeds []string) ([]*url.URL, error) {
	if origin == nil {
		return nil, fmt.Errorf("origin is required")
	}
	out := make([]*url.URL, 0, len(seeds))
	for _, seed := range seeds {
		if !strings.HasPrefix(seed, "/") {
			return nil, fmt.Errorf("seed %q must start with /", seed)
		}
		ref, err := url.Parse(seed)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed, err)
		}
		out = append(out, origin.ResolveReference(ref))
	}
	return out, nil
}

func resolveDerivedSeeds(_, script *url.URL, seeds []string) ([]*url.URL, error) {
	if script == nil {
		return nil, fmt.Errorf("worker script url is required")
	}
	base := ScriptBase(script)
	out := make([]*url.URL, 0, len(seeds))
	for _, seed := range seeds {
		if seed == "" || strings.HasPrefix(seed, "/") {
			return nil, fmt.Errorf("seed %q must be relative to the worker script", seed)
		}
		ref, err := url.Parse(seed)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", seed, err)
		}
		out = append(out, base.ResolveReference(ref))
	}
	return out, nil
}

// ScriptBase 截掉脚本路径最后一个 / 之后的文件名，得到 origin + 目录。
func ScriptBase(script *url.URL) *url.URL {
	base := &url.URL{Scheme: script.Scheme, Host: script.Host, Path: "/"}
	if idx := strings.LastIndex(script.Path, "/"); idx >= 0 {
		base.Path = script.Path[:idx+1]
	}
	return base
}

// FallbackURL 返回相对 worker 脚本解析出的兜底文档地址（等价于 "./index.html"）。
func FallbackURL(script *url.URL, document string) *url.URL {
	if document == "" {
		document = DefaultFallbackDocument
	}
	if !strings.HasPrefix(document, "/") && !strings.HasPrefix(document, "./") {
		document = "./" + document
	}
	ref, err := url.Parse(document)
	if err != nil {
		ref = &url.URL{Path: "./" + DefaultFallbackDocument}
	}
	return ScriptBase(script).ResolveReference(ref)
}
