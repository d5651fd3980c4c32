// Package engine runs the crawl worker's main loop: pop a task, pace it
// against the global rate limit, fan out the on-sale and sold page crawls,
// push the result and ack the task. Concurrency is bounded by a weighted
// semaphore and shutdown drains in-flight tasks before exiting.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/animetop/mercari-crawler/internal/api"
	"github.com/animetop/mercari-crawler/internal/auth"
	"github.com/animetop/mercari-crawler/internal/metrics"
	"github.com/animetop/mercari-crawler/internal/model"
	"github.com/animetop/mercari-crawler/internal/ratelimit"
)

const (
	// tokenWaitTimeout bounds how long one task waits on the shared bucket.
	tokenWaitTimeout = 30 * time.Second

	// drainTimeout bounds the in-flight drain during shutdown. Tasks still
	// running afterwards are abandoned to the janitor.
	drainTimeout = 30 * time.Second

	metricsRefreshInterval = 5 * time.Second
)

// TaskQueue is the engine's view of the reliable queue.
type TaskQueue interface {
	PopTask(ctx context.Context, timeout time.Duration) (*model.CrawlRequest, error)
	PushResult(ctx context.Context, resp *model.CrawlResponse) error
	AckTask(ctx context.Context, task *model.CrawlRequest) error
	Depths(ctx context.Context) (tasks, results int64, err error)
	ProcessingCount(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) bool
}

// Limiter is the engine's view of the rate limiting stack.
type Limiter interface {
	WaitForToken(ctx context.Context, timeout time.Duration) error
	WaitAdaptive(ctx context.Context) error
	Delay() time.Duration
	OnSuccess()
	OnRateLimit()
	OnForbidden()
	OnError()
}

// Searcher is the engine's view of the upstream API client.
type Searcher interface {
	SearchAllPages(ctx context.Context, keyword, status string, maxPages int) ([]model.Item, int, error)
	BreakerState() string
	Fingerprint() api.FingerprintInfo
	Close()
}

// AuthStatus is the engine's read-only view of the authenticator.
type AuthStatus interface {
	Mode() auth.Mode
	Stats() auth.Stats
	IsCoolingDown() bool
	TryRecoverHTTPMode() bool
}

// Config carries the engine's tunables.
type Config struct {
	MaxConcurrentTasks int
	PopTimeout         time.Duration
}

// Health is the snapshot served by the health endpoint.
type Health struct {
	Healthy        bool    `json:"healthy"`
	Redis          string  `json:"redis"`
	CircuitBreaker string  `json:"circuit_breaker"`
	AuthMode       string  `json:"auth_mode"`
	AuthFailures   int     `json:"auth_failures"`
	CoolingDown    bool    `json:"cooling_down"`
	ActiveTasks    int64   `json:"active_tasks"`
	Running        bool    `json:"running"`
	AdaptiveDelay  float64 `json:"adaptive_delay"`
	ChromeVersion  string  `json:"chrome_version"`
}

// Engine is the main task processor.
type Engine struct {
	cfg     Config
	queue   TaskQueue
	limiter Limiter
	search  Searcher
	authn   AuthStatus
	metrics *metrics.Metrics

	sem         *semaphore.Weighted
	wg          sync.WaitGroup
	activeTasks atomic.Int64
	running     atomic.Bool

	// Last fallback total synced to the counter metric.
	syncedFallbacks int64

	now func() time.Time
}

// New wires an engine from its collaborators.
func New(cfg Config, q TaskQueue, limiter Limiter, search Searcher, authn AuthStatus, m *metrics.Metrics) *Engine {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 2 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		queue:   q,
		limiter: limiter,
		search:  search,
		authn:   authn,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		now:     time.Now,
	}
}

// Run executes the main loop until ctx is cancelled, then drains in-flight
// tasks for up to drainTimeout. Task bodies are detached from ctx so a popped
// task always finishes its push-and-ack cleanup.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)

	log.Info().
		Int("max_concurrent", e.cfg.MaxConcurrentTasks).
		Str("auth_mode", e.authn.Mode().String()).
		Msg("engine starting")

	refreshDone := make(chan struct{})
	go e.metricsLoop(ctx, refreshDone)

	// Task bodies run on a context that survives shutdown.
	taskCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		task, err := e.queue.PopTask(ctx, e.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Msg("main loop error")
			sleepCtx(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}

		e.wg.Add(1)
		go func(task *model.CrawlRequest) {
			defer e.wg.Done()
			if err := e.sem.Acquire(taskCtx, 1); err != nil {
				log.Error().Err(err).Str("task_id", task.TaskID).Msg("semaphore acquire failed")
				return
			}
			defer e.sem.Release(1)
			e.processTask(taskCtx, task)
		}(task)
	}

	<-refreshDone
	e.drain()
	e.search.Close()
	log.Info().Msg("engine stopped")
	return nil
}

// Running reports whether the main loop is active.
func (e *Engine) Running() bool { return e.running.Load() }

// ActiveTasks returns the number of in-flight tasks.
func (e *Engine) ActiveTasks() int64 { return e.activeTasks.Load() }

func (e *Engine) drain() {
	active := e.activeTasks.Load()
	log.Info().Int64("active_tasks", active).Msg("draining in-flight tasks")

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn().Int64("remaining", e.activeTasks.Load()).Msg("drain timeout, orphaning tasks to janitor")
	}
}

// processTask handles one popped task end to end. The response push and the
// ack always run, even when processing fails.
func (e *Engine) processTask(ctx context.Context, task *model.CrawlRequest) {
	start := e.now()
	e.activeTasks.Add(1)
	e.metrics.TasksInFlight.Inc()

	taskLog := log.With().
		Str("task_id", task.TaskID).
		Uint64("ip_id", task.IPID).
		Str("keyword", task.Keyword).
		Logger()
	taskLog.Info().Msg("task processing started")

	var response *model.CrawlResponse
	defer func() {
		e.activeTasks.Add(-1)
		e.metrics.TasksInFlight.Dec()
		e.metrics.TaskDuration.Observe(e.now().Sub(start).Seconds())

		if response != nil {
			if err := e.queue.PushResult(ctx, response); err != nil {
				taskLog.Error().Err(err).Msg("result push failed")
			}
		}
		if err := e.queue.AckTask(ctx, task); err != nil {
			taskLog.Error().Err(err).Msg("task ack failed")
		}
	}()

	if err := e.limiter.WaitForToken(ctx, tokenWaitTimeout); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			taskLog.Warn().Msg("rate limit timeout")
			response = e.errorResponse(task, "Rate limit timeout")
			return
		}
		taskLog.Error().Err(err).Msg("task processing error")
		response = e.errorResponse(task, err.Error())
		e.metrics.TasksProcessed.WithLabelValues("error").Inc()
		return
	}
	e.metrics.RateLimitWaits.Inc()

	if err := e.limiter.WaitAdaptive(ctx); err != nil {
		taskLog.Error().Err(err).Msg("task processing error")
		response = e.errorResponse(task, err.Error())
		e.metrics.TasksProcessed.WithLabelValues("error").Inc()
		return
	}

	items, pages, errMsg := e.crawlItems(ctx, task)

	response = &model.CrawlResponse{
		IPID:         task.IPID,
		TaskID:       task.TaskID,
		CrawledAt:    e.now().Unix(),
		Items:        items,
		TotalFound:   uint32(len(items)),
		ErrorMessage: errMsg,
		PagesCrawled: uint32(pages),
		RetryCount:   task.RetryCount,
	}

	if errMsg != "" {
		taskLog.Warn().Str("error", errMsg).Int("items", len(items)).Msg("task completed with error")
		e.metrics.TasksProcessed.WithLabelValues("error").Inc()
	} else {
		taskLog.Info().Int("items", len(items)).Int("pages", pages).Msg("task completed")
		e.metrics.TasksProcessed.WithLabelValues("success").Inc()
	}
}

func (e *Engine) errorResponse(task *model.CrawlRequest, msg string) *model.CrawlResponse {
	return &model.CrawlResponse{
		IPID:         task.IPID,
		TaskID:       task.TaskID,
		CrawledAt:    e.now().Unix(),
		ErrorMessage: msg,
		RetryCount:   task.RetryCount,
	}
}

// crawlItems runs the on-sale and sold page crawls concurrently. A failed
// branch contributes no items; its error is classified into the adaptive
// delayer and reported as a per-branch error string.
func (e *Engine) crawlItems(ctx context.Context, task *model.CrawlRequest) ([]model.Item, int, string) {
	type branchResult struct {
		items []model.Item
		pages int
		err   string
	}

	crawlStatus := func(status, label string, maxPages uint32) branchResult {
		if maxPages == 0 {
			return branchResult{}
		}
		items, pages, err := e.search.SearchAllPages(ctx, task.Keyword, status, int(maxPages))
		if err != nil {
			var apiErr *api.Error
			switch {
			case errors.As(err, &apiErr) && apiErr.Status == 429:
				e.limiter.OnRateLimit()
			case errors.As(err, &apiErr) && apiErr.Status == 403:
				e.limiter.OnForbidden()
			default:
				e.limiter.OnError()
			}
			log.Warn().Str("keyword", task.Keyword).Str("branch", label).Err(err).Msg("branch crawl error")
			return branchResult{err: label + ": " + err.Error()}
		}
		e.metrics.RecordItems(label, len(items))
		e.metrics.PagesCrawled.Add(float64(pages))
		e.limiter.OnSuccess()
		return branchResult{items: items, pages: pages}
	}

	var onSale, sold branchResult
	var g errgroup.Group
	g.Go(func() error {
		onSale = crawlStatus(api.StatusOnSale, "on_sale", task.PagesOnSale)
		return nil
	})
	g.Go(func() error {
		sold = crawlStatus(api.StatusSoldOut, "sold", task.PagesSold)
		return nil
	})
	_ = g.Wait()

	allItems := append(append([]model.Item{}, onSale.items...), sold.items...)
	pages := onSale.pages + sold.pages

	var errs []string
	if onSale.err != "" {
		errs = append(errs, onSale.err)
	}
	if sold.err != "" {
		errs = append(errs, sold.err)
	}
	return allItems, pages, strings.Join(errs, "; ")
}

// metricsLoop refreshes gauge metrics every few seconds and, while in browser
// mode, probes for recovery back to the HTTP path.
func (e *Engine) metricsLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.refreshMetrics(ctx)

		if e.authn.Mode() == auth.ModeBrowser && e.authn.TryRecoverHTTPMode() {
			log.Info().Msg("auth recovered to http mode")
		}
	}
}

// refreshMetrics syncs gauges and the fallback counter from the
// collaborators' snapshots.
func (e *Engine) refreshMetrics(ctx context.Context) {
	stats := e.authn.Stats()
	e.metrics.SetAuthMode(stats.Mode)
	e.metrics.AuthFailures.Set(float64(stats.ConsecutiveFailures))
	e.metrics.DPoPKeyAge.Set(stats.DPoPKeyAge.Seconds())
	e.metrics.AdaptiveDelay.Set(e.limiter.Delay().Seconds())
	e.metrics.SetCircuitBreakerState(e.search.BreakerState())

	if d := stats.TotalBrowserFallbacks - e.syncedFallbacks; d > 0 {
		e.metrics.BrowserFallbacks.Add(float64(d))
		e.syncedFallbacks = stats.TotalBrowserFallbacks
	}

	if tasks, results, err := e.queue.Depths(ctx); err == nil {
		e.metrics.TaskQueueDepth.Set(float64(tasks))
		e.metrics.ResultQueueDepth.Set(float64(results))
	}
	if n, err := e.queue.ProcessingCount(ctx); err == nil {
		e.metrics.ProcessingDepth.Set(float64(n))
	}
}

// HealthCheck builds the health snapshot. Unhealthy when Redis is down, the
// breaker is open, or a 403 cooldown is active.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	redisOK := e.queue.HealthCheck(ctx)
	breaker := e.search.BreakerState()
	stats := e.authn.Stats()
	coolingDown := e.authn.IsCoolingDown()

	redis := "error"
	if redisOK {
		redis = "ok"
	}

	return Health{
		Healthy:        redisOK && breaker != "open" && !coolingDown,
		Redis:          redis,
		CircuitBreaker: breaker,
		AuthMode:       stats.Mode,
		AuthFailures:   stats.ConsecutiveFailures,
		CoolingDown:    coolingDown,
		ActiveTasks:    e.activeTasks.Load(),
		Running:        e.running.Load(),
		AdaptiveDelay:  e.limiter.Delay().Seconds(),
		ChromeVersion:  e.search.Fingerprint().ChromeVersion,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
