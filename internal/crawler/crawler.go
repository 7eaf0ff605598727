package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"bundlemirror/internal/config"
	"bundlemirror/internal/crawlstate"
	"bundlemirror/internal/extractor"
	"bundlemirror/internal/fetcher"
	"bundlemirror/internal/storage"
)

// RobotsGate decides whether an asset URL may be fetched.
type RobotsGate interface {
	Check(ctx context.Context, rawURL string) error
}

// assetLocator is implemented by fetchers that can tell where a name lives.
type assetLocator interface {
	AssetURL(name string) string
}

// Engine walks the reference graph of a build breadth first, one wave at a
// time, materialising every reachable asset into the cache.
type Engine struct {
	fetcher fetcher.Fetcher
	cache   storage.AssetCache

	robots  RobotsGate
	limiter *HostLimiter
	state   crawlstate.Store
	metrics *Metrics
	logger  *slog.Logger

	maxRetries     int
	initialBackoff time.Duration

	pool      *WorkerPool
	closeOnce sync.Once
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger overrides the logger built from configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRobots gates every upstream request on robots.txt.
func WithRobots(gate RobotsGate) Option {
	return func(e *Engine) { e.robots = gate }
}

// WithStateStore records a progress snapshot after every wave.
func WithStateStore(store crawlstate.Store) Option {
	return func(e *Engine) { e.state = store }
}

// WithMetrics records per-asset counters and fetch latency.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds a download engine. The worker pool it owns caps in-flight
// asset tasks across every concurrent Download call.
func NewEngine(cfg config.Config, cache storage.AssetCache, f fetcher.Fetcher, opts ...Option) (*Engine, error) {
	if cache == nil {
		return nil, errors.New("engine requires an asset cache")
	}
	if f == nil {
		return nil, errors.New("engine requires a fetcher")
	}
	pool, err := NewWorkerPool(cfg.Worker.Concurrency, cfg.Worker.Concurrency)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		fetcher: f,
		cache:   cache,
		limiter: NewHostLimiter(cfg.Fetch.PerHostDelay.Duration, RateLimiterSettings{
			Requests: cfg.Fetch.RateLimit.Requests,
			Window:   cfg.Fetch.RateLimit.Window.Duration,
		}),
		maxRetries:     cfg.Worker.MaxRetries,
		initialBackoff: cfg.Worker.RetryBackoff.Duration,
		pool:           pool,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		logger, err := BuildLogger(cfg.Logging)
		if err != nil {
			pool.Close()
			return nil, err
		}
		e.logger = logger
	}
	return e, nil
}

// Close waits for queued tasks and stops the workers.
func (e *Engine) Close() error {
	e.closeOnce.Do(e.pool.Close)
	return nil
}

type taskResult struct {
	name string
	refs []string
	err  error
}

// Download crawls buildHash starting from the bootstrap names and returns
// every asset that ended up in the cache, in wave order. Individual asset
// failures are logged and dropped. The error is non-nil only when the build
// namespace cannot be prepared or ctx ends; the names gathered so far are
// still returned.
func (e *Engine) Download(ctx context.Context, buildHash string, bootstrap []string) ([]string, error) {
	if err := e.cache.Prepare(ctx, buildHash); err != nil {
		return nil, fmt.Errorf("prepare build %s: %w", buildHash, err)
	}

	logger := e.logger.With("build", buildHash)
	snap := crawlstate.Snapshot{
		BuildHash: buildHash,
		RunID:     uuid.NewString(),
		Status:    crawlstate.StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	known := make(map[string]struct{})
	queue := append([]string(nil), bootstrap...)
	downloaded := make([]string, 0, len(bootstrap))
	failed := 0

	snap.Pending = len(queue)
	e.saveState(ctx, logger, snap)

	for wave := 1; len(queue) > 0; wave++ {
		batch := make([]string, 0, len(queue))
		for _, raw := range queue {
			name := normalizeName(raw)
			if name == "" {
				continue
			}
			if _, seen := known[name]; seen {
				continue
			}
			known[name] = struct{}{}
			batch = append(batch, name)
		}
		queue = queue[:0]

		results, err := e.runWave(ctx, buildHash, batch)
		if err != nil {
			snap.Status = crawlstate.StatusFailed
			snap.Message = err.Error()
			snap.FinishedAt = time.Now().UTC()
			e.saveState(context.WithoutCancel(ctx), logger, snap)
			return downloaded, err
		}

		var next []string
		for _, res := range results {
			if res.err != nil {
				failed++
				logger.Warn("asset download failed", "asset", res.name, "error", res.err)
				continue
			}
			downloaded = append(downloaded, res.name)
			for _, ref := range res.refs {
				if _, seen := known[normalizeName(ref)]; !seen {
					next = append(next, ref)
				}
			}
		}
		queue = next
		e.metrics.wave()

		snap.Wave = wave
		snap.Known = len(known)
		snap.Pending = len(queue)
		snap.Downloaded = len(downloaded)
		snap.Failed = failed
		e.saveState(ctx, logger, snap)
		logger.Debug("wave complete", "wave", wave, "assets", len(batch), "next", len(queue))
	}

	snap.Status = crawlstate.StatusCompleted
	snap.FinishedAt = time.Now().UTC()
	e.saveState(ctx, logger, snap)
	logger.Info("build downloaded", "assets", len(downloaded), "failed", failed, "waves", snap.Wave)
	return downloaded, nil
}

// runWave fetches every name in the batch through the shared pool and waits
// for all of them before returning results in batch order.
func (e *Engine) runWave(ctx context.Context, buildHash string, batch []string) ([]taskResult, error) {
	results := make([]taskResult, len(batch))
	var wg sync.WaitGroup
	var submitErr error
	for i, name := range batch {
		wg.Add(1)
		err := e.pool.Submit(ctx, func() {
			defer wg.Done()
			e.metrics.taskStarted()
			defer e.metrics.taskDone()
			refs, err := e.processAsset(ctx, buildHash, name)
			results[i] = taskResult{name: name, refs: refs, err: err}
		})
		if err != nil {
			wg.Done()
			submitErr = err
			break
		}
	}
	wg.Wait()
	if submitErr != nil {
		return nil, submitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// processAsset makes one asset present in the cache and returns the
// references found in it. Cached assets never touch the network.
func (e *Engine) processAsset(ctx context.Context, buildHash, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cached, err := e.cache.Exists(ctx, buildHash, name)
	if err != nil {
		e.metrics.asset(resultFailed)
		return nil, err
	}
	if cached {
		if !isText(name) {
			e.metrics.asset(resultCached)
			return nil, nil
		}
		data, err := e.cache.Read(ctx, buildHash, name)
		if err != nil {
			e.metrics.asset(resultFailed)
			return nil, err
		}
		e.metrics.asset(resultCached)
		return extractRefs(data), nil
	}

	body, err := e.fetchWithRetry(ctx, name)
	if err != nil {
		e.metrics.asset(resultFailed)
		return nil, err
	}
	var refs []string
	if isText(name) {
		refs = extractRefs(body)
	}
	if err := e.cache.Write(ctx, buildHash, name, body); err != nil {
		e.metrics.asset(resultFailed)
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	e.metrics.asset(resultFetched)
	return refs, nil
}

// fetchWithRetry retries transient failures with doubling backoff. 404s and
// robots refusals fail immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, name string) ([]byte, error) {
	var target string
	var host string
	if loc, ok := e.fetcher.(assetLocator); ok {
		target = loc.AssetURL(name)
		if u, err := url.Parse(target); err == nil {
			host = u.Host
		}
	}
	if e.robots != nil && target != "" {
		if err := e.robots.Check(ctx, target); err != nil {
			return nil, err
		}
	}

	policy := e.retryPolicy()
	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		if attempt > 1 {
			e.metrics.retry()
		}
		if err := e.limiter.Wait(ctx, host); err != nil {
			return nil, backoff.Permanent(err)
		}
		asset, err := e.fetcher.Fetch(ctx, name)
		if err != nil {
			if errors.Is(err, fetcher.ErrNotFound) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			e.logger.Debug("fetch attempt failed", "asset", name, "attempt", attempt, "error", err)
			return nil, err
		}
		e.metrics.fetched(asset.ResponseLatency)
		return asset.Body, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.maxRetries+1)),
	)
}

// retryPolicy doubles the wait after every failed attempt, starting from
// worker.retry_backoff.
func (e *Engine) retryPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.initialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = time.Minute
	policy.Reset()
	return policy
}

func (e *Engine) saveState(ctx context.Context, logger *slog.Logger, snap crawlstate.Snapshot) {
	if e.state == nil {
		return
	}
	snap.UpdatedAt = time.Now().UTC()
	if err := e.state.Save(ctx, snap); err != nil {
		logger.Debug("save crawl state failed", "error", err)
	}
}

// normalizeName gives extensionless references the script extension.
func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".js"
}

func isText(name string) bool {
	return strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".css")
}

func extractRefs(data []byte) []string {
	return extractor.Extract(strings.ToValidUTF8(string(data), "�")).Sorted()
}

// BuildLogger returns the slog logger described by the logging config.
func BuildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
