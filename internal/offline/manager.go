package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
)

// InstallFailureMode 决定预缓存阶段单个 URL 失败时的处理方式。
type InstallFailureMode string

const (
	// InstallStrict 任一种子失败即整体失败，不写入任何条目。
	InstallStrict InstallFailureMode = "strict"
	// InstallBestEffort 记录失败并继续，安装仍视为成功。
	InstallBestEffort InstallFailureMode = "best-effort"
)

const (
	defaultScriptPath         = "/service-worker.js"
	defaultInstallConcurrency = 4
)

// ErrInstallFailed 表示 strict 模式下预缓存失败，worker 不会进入可激活状态。
var ErrInstallFailed = errors.New("install failed")

// Fetcher 负责真正发出网络请求。实现需要读完并关闭上游正文，返回的 Response
// 必须带有 Type（basic/cors/opaqueredirect），Manager 依赖它判断是否可缓存。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Options 描述一个 worker 版本的全部静态参数。
type Options struct {
	AppName            string
	Generation         string
	Origin             *url.URL
	Script             *url.URL
	SeedStrategy       string
	Seeds              []string
	InstallFailureMode InstallFailureMode
	FallbackDocument   string
	SkipWaiting        bool
	// NetworkTimeout 为单次网络请求设置上限，超时后走缓存兜底；0 表示不限制。
	NetworkTimeout     time.Duration
	InstallConcurrency int
}

// Source 标识 HandleFetch 的结果来自哪里。
type Source string

const (
	SourcePassthrough Source = "passthrough"
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourceNone        Source = "none"
)

// Outcome 是 HandleFetch 的结果。Intercepted 为 false 时调用方应直接走网络；
// Intercepted 为 true 且 Response 为 nil 时等价于网络错误。
type Outcome struct {
	Response    *cache.Response
	Intercepted bool
	Source      Source
	Generation  string
}

// SeedFailure 记录单个种子 URL 的失败原因。
type SeedFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// InstallReport 汇总一次 Install 的结果。
type InstallReport struct {
	Generation  string        `json:"generation"`
	Seeds       []string      `json:"seeds"`
	Cached      []string      `json:"cached"`
	Failed      []SeedFailure `json:"failed,omitempty"`
	SkipWaiting bool          `json:"skip_waiting"`
}

// ActivateReport 汇总一次 Activate 的结果。
type ActivateReport struct {
	Generation string   `json:"generation"`
	Deleted    []string `json:"deleted"`
}

// Manager 拥有一个缓存代际，负责 install/activate/fetch 三个事件。
// 除生命周期阶段外不保存任何内存状态，缓存数据全部位于 Storage。
type Manager struct {
	opts     Options
	strategy SeedStrategy
	storage  cache.Storage
	fetcher  Fetcher
	logger   *logrus.Logger
	state    *lifecycle
}

// NewManager 校验参数并补齐默认值。
func NewManager(storage cache.Storage, fetcher Fetcher, logger *logrus.Logger, opts Options) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if strings.TrimSpace(opts.Generation) == "" {
		return nil, errors.New("generation name is required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("absolute origin is required")
	}
	if opts.Script == nil {
		opts.Script = opts.Origin.ResolveReference(&url.URL{Path: defaultScriptPath})
	}
	if opts.SeedStrategy == "" {
		opts.SeedStrategy = StrategyAbsolute
	}
	strategy, ok := ResolveSeedStrategy(opts.SeedStrategy)
	if !ok {
		return nil, fmt.Errorf("unknown seed strategy: %s", opts.SeedStrategy)
	}
	switch opts.InstallFailureMode {
	case "":
		opts.InstallFailureMode = InstallBestEffort
	case InstallStrict, InstallBestEffort:
	default:
		return nil, fmt.Errorf("unknown install failure mode: %s", opts.InstallFailureMode)
	}
	if opts.FallbackDocument == "" {
		opts.FallbackDocument = DefaultFallbackDocument
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = defaultInstallConcurrency
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Manager{
		opts:     opts,
		strategy: strategy,
		storage:  storage,
		fetcher:  fetcher,
		logger:   logger,
		state:    newLifecycle(),
	}, nil
}

// Generation 返回当前缓存代际名称。
func (m *Manager) Generation() string {
	return m.opts.Generation
}

// AppName 返回所属应用名称。
func (m *Manager) AppName() string {
	return m.opts.AppName
}

// State 返回当前生命周期阶段。
func (m *Manager) State() State {
	return m.state.load()
}

// SkipWaiting 表示安装成功后是否立即激活。
func (m *Manager) SkipWaiting() bool {
	return m.opts.SkipWaiting
}

// SeedURLs 按策略计算预缓存 URL 列表，保持配置顺序。
func (m *Manager) SeedURLs() ([]*url.URL, error) {
	return m.strategy.Resolve(m.opts.Origin, m.opts.Script, m.strategy.Seeds(m.opts.Seeds))
}

// FallbackURL 返回离线导航兜底文档的地址。
func (m *Manager) FallbackURL() *url.URL {
	return FallbackURL(m.opts.Script, m.opts.FallbackDocument)
}

// Entries 列出当前代际中的缓存键。
func (m *Manager) Entries(ctx context.Context) ([]cache.Key, error) {
	bucket, err := m.storage.Open(ctx, m.opts.Generation)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", m.opts.Generation, err)
	}
	return bucket.Keys(ctx)
}

type seedResult struct {
	req  *Request
	resp *cache.Response
	err  error
}

// Install 打开当前代际的缓存桶并预缓存全部种子 URL。
func (m *Manager) Install(ctx context.Context) (*InstallReport, error) {
	if !m.state.transition(StateInstalling, StateParsed) {
		return nil, fmt.Errorf("%w: cannot install from %s", ErrInvalidState, m.State())
	}

	started := time.Now()
	report, err := m.install(ctx)
	fields := m.fields("install")
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["failure_mode"] = string(m.opts.InstallFailureMode)
	if report != nil {
		fields["seeds"] = len(report.Seeds)
		fields["cached"] = len(report.Cached)
		fields["failed"] = len(report.Failed)
	}
	if err != nil {
		m.state.store(StateRedundant)
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Error("install_failed")
		return report, err
	}

	m.state.store(StateInstalled)
	m.logger.WithFields(fields).Info("install_complete")
	return report, nil
}

func (m *Manager) install(ctx context.Context) (*InstallReport, error) {
	report := &InstallReport{
		Generation:  m.opts.Generation,
		SkipWaiting: m.opts.SkipWaiting,
	}

	bucket, err := m.storage.Open(ctx, m.opts.Generation)
	if err != nil {
		return report, fmt.Errorf("open cache %s: %w", m.opts.Generation, err)
	}

	urls, err := m.SeedURLs()
	if err != nil {
		return report, fmt.Errorf("resolve seeds: %w", err)
	}
	for _, u := range urls {
		report.Seeds = append(report.Seeds, u.String())
	}

	results := make([]seedResult, len(urls))
	g := new(errgroup.Group)
	g.SetLimit(m.opts.InstallConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			req := NewRequest(u, ModeNoCORS)
			resp, err := m.fetch(ctx, req)
			if err == nil && (resp.Status < 200 || resp.Status > 299) {
				err = fmt.Errorf("unexpected status %d", resp.Status)
			}
			results[i] = seedResult{req: req, resp: resp, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, result := range results {
		if result.err == nil {
			continue
		}
		report.Failed = append(report.Failed, SeedFailure{URL: result.req.URL.String(), Error: result.err.Error()})
		errs = append(errs, fmt.Errorf("%s: %w", result.req.URL, result.err))
		if m.opts.InstallFailureMode == InstallBestEffort {
			fields := m.fields("install_seed")
			fields["url"] = result.req.URL.String()
			fields["error"] = result.err.Error()
			m.logger.WithFields(fields).Warn("seed_cache_failed")
		}
	}
	if len(errs) > 0 && m.opts.InstallFailureMode == InstallStrict {
		return report, fmt.Errorf("%w: %w", ErrInstallFailed, errors.Join(errs...))
	}

	var written []storedEntry
	for _, result := range results {
		if result.err != nil {
			continue
		}
		key := result.req.Key()
		if m.opts.InstallFailureMode == InstallStrict {
			prev, err := bucket.Match(ctx, key)
			if err != nil && !errors.Is(err, cache.ErrNotFound) {
				m.rollback(ctx, bucket, written)
				return report, fmt.Errorf("%w: read %s: %w", ErrInstallFailed, result.req.URL, err)
			}
			written = append(written, storedEntry{key: key, prev: prev})
		}
		if err := bucket.Put(ctx, key, result.resp); err != nil {
			if m.opts.InstallFailureMode == InstallStrict {
				m.rollback(ctx, bucket, written)
				report.Cached = nil
				return report, fmt.Errorf("%w: store %s: %w", ErrInstallFailed, result.req.URL, err)
			}
			report.Failed = append(report.Failed, SeedFailure{URL: result.req.URL.String(), Error: err.Error()})
			fields := m.fields("install_seed")
			fields["url"] = result.req.URL.String()
			fields["error"] = err.Error()
			m.logger.WithFields(fields).Warn("seed_store_failed")
			continue
		}
		report.Cached = append(report.Cached, result.req.URL.String())
	}
	return report, nil
}

// storedEntry 记录 strict 安装写入前的条目，prev 为 nil 表示原本不存在。
type storedEntry struct {
	key  cache.Key
	prev *cache.Response
}

// rollback 按写入的逆序恢复条目，使失败的 strict 安装不留下部分结果。
func (m *Manager) rollback(ctx context.Context, bucket cache.Bucket, written []storedEntry) {
	ctx = context.WithoutCancel(ctx)
	for i := len(written) - 1; i >= 0; i-- {
		entry := written[i]
		var err error
		if entry.prev != nil {
			err = bucket.Put(ctx, entry.key, entry.prev)
		} else {
			_, err = bucket.Delete(ctx, entry.key)
		}
		if err != nil {
			fields := m.fields("install_rollback")
			fields["url"] = entry.key.URL
			fields["error"] = err.Error()
			m.logger.WithFields(fields).Warn("rollback_failed")
		}
	}
}

// Activate 删除除当前代际外的全部缓存桶。重复执行结果相同。
func (m *Manager) Activate(ctx context.Context) (*ActivateReport, error) {
	prev := m.State()
	if !m.state.transition(StateActivating, StateInstalled, StateActivated) {
		return nil, fmt.Errorf("%w: cannot activate from %s", ErrInvalidState, prev)
	}

	report, err := m.activate(ctx)
	fields := m.fields("activate")
	if report != nil {
		fields["deleted"] = report.Deleted
	}
	if err != nil {
		m.state.store(prev)
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Error("activate_failed")
		return report, err
	}

	m.state.store(StateActivated)
	m.logger.WithFields(fields).Info("activate_complete")
	return report, nil
}

func (m *Manager) activate(ctx context.Context) (*ActivateReport, error) {
	report := &ActivateReport{Generation: m.opts.Generation, Deleted: []string{}}
	names, err := m.storage.Names(ctx)
	if err != nil {
		return report, fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == m.opts.Generation {
			continue
		}
		deleted, err := m.storage.Delete(ctx, name)
		if err != nil {
			return report, fmt.Errorf("delete cache %s: %w", name, err)
		}
		if deleted {
			fields := m.fields("activate")
			fields["stale_generation"] = name
			m.logger.WithFields(fields).Info("stale_cache_deleted")
			report.Deleted = append(report.Deleted, name)
		}
	}
	return report, nil
}

// Redundant 将 worker 标记为已被取代。
func (m *Manager) Redundant() {
	m.state.store(StateRedundant)
}

// HandleFetch 以网络优先策略应答请求：成功且可缓存的响应写入当前代际，
// 网络失败时回退到缓存，导航请求最终回退到根文档。
func (m *Manager) HandleFetch(ctx context.Context, req *Request) (*Outcome, error) {
	outcome := &Outcome{Generation: m.opts.Generation, Source: SourcePassthrough}
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return outcome, nil
	}
	outcome.Intercepted = true

	resp, err := m.fetch(ctx, req)
	if err == nil {
		if isCacheable(resp) {
			m.storeResponse(ctx, req, resp)
		}
		outcome.Response = resp
		outcome.Source = SourceNetwork
		return outcome, nil
	}

	fields := m.fields("fetch")
	fields["url"] = req.URL.String()
	fields["error"] = err.Error()
	m.logger.WithFields(fields).Debug("network_failed")

	bucket, openErr := m.storage.Open(ctx, m.opts.Generation)
	if openErr != nil {
		return nil, fmt.Errorf("open cache %s: %w", m.opts.Generation, openErr)
	}

	cached, err := bucket.Match(ctx, req.Key())
	switch {
	case err == nil:
		outcome.Response = cached
		outcome.Source = SourceCache
		return outcome, nil
	case !errors.Is(err, cache.ErrNotFound):
		return nil, fmt.Errorf("match cache: %w", err)
	}

	if req.IsNavigation() {
		cached, err = bucket.Match(ctx, cache.NewKey(m.FallbackURL().String()))
		switch {
		case err == nil:
			outcome.Response = cached
			outcome.Source = SourceFallback
			return outcome, nil
		case !errors.Is(err, cache.ErrNotFound):
			return nil, fmt.Errorf("match fallback: %w", err)
		}
	}

	outcome.Source = SourceNone
	return outcome, nil
}

func (m *Manager) fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if m.opts.NetworkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.NetworkTimeout)
		defer cancel()
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("fetcher returned no response")
	}
	return resp, nil
}

// storeResponse 写入响应副本；失败只记录日志，不影响本次响应。
func (m *Manager) storeResponse(ctx context.Context, req *Request, resp *cache.Response) {
	fields := m.fields("cache_put")
	fields["url"] = req.URL.String()

	bucket, err := m.storage.Open(ctx, m.opts.Generation)
	if err == nil {
		err = bucket.Put(ctx, req.Key(), resp.Clone())
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("cache_put_failed")
		return
	}
	m.logger.WithFields(fields).Debug("cache_put")
}

func isCacheable(resp *cache.Response) bool {
	return resp != nil && resp.Status == http.StatusOK && resp.Type == string(TypeBasic)
}

func (m *Manager) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"app":        m.opts.AppName,
		"generation": m.opts.Generation,
		"state":      string(m.State()),
	}
}
