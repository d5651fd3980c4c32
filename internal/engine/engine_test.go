package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animetop/mercari-crawler/internal/api"
	"github.com/animetop/mercari-crawler/internal/auth"
	"github.com/animetop/mercari-crawler/internal/metrics"
	"github.com/animetop/mercari-crawler/internal/model"
	"github.com/animetop/mercari-crawler/internal/ratelimit"
)

type stubQueue struct {
	mu      sync.Mutex
	tasks   []*model.CrawlRequest
	results []*model.CrawlResponse
	acked   []string
	healthy bool
}

func (q *stubQueue) PopTask(ctx context.Context, timeout time.Duration) (*model.CrawlRequest, error) {
	q.mu.Lock()
	if len(q.tasks) > 0 {
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		return task, nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (q *stubQueue) PushResult(ctx context.Context, resp *model.CrawlResponse) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, resp)
	return nil
}

func (q *stubQueue) AckTask(ctx context.Context, task *model.CrawlRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, task.TaskID)
	return nil
}

func (q *stubQueue) Depths(ctx context.Context) (int64, int64, error) { return 0, 0, nil }
func (q *stubQueue) ProcessingCount(ctx context.Context) (int64, error) {
	return 0, nil
}
func (q *stubQueue) HealthCheck(ctx context.Context) bool { return q.healthy }

func (q *stubQueue) snapshot() ([]*model.CrawlResponse, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*model.CrawlResponse{}, q.results...), append([]string{}, q.acked...)
}

type stubLimiter struct {
	mu         sync.Mutex
	tokenErr   error
	successes  int
	rateLimits int
	forbiddens int
	errors     int
}

func (l *stubLimiter) WaitForToken(ctx context.Context, timeout time.Duration) error { return l.tokenErr }
func (l *stubLimiter) WaitAdaptive(ctx context.Context) error                        { return nil }
func (l *stubLimiter) Delay() time.Duration                                          { return 2 * time.Second }

func (l *stubLimiter) OnSuccess() {
	l.mu.Lock()
	l.successes++
	l.mu.Unlock()
}
func (l *stubLimiter) OnRateLimit() {
	l.mu.Lock()
	l.rateLimits++
	l.mu.Unlock()
}
func (l *stubLimiter) OnForbidden() {
	l.mu.Lock()
	l.forbiddens++
	l.mu.Unlock()
}
func (l *stubLimiter) OnError() {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

type searchCall struct {
	keyword  string
	status   string
	maxPages int
}

type stubSearcher struct {
	mu           sync.Mutex
	calls        []searchCall
	onSaleItems  []model.Item
	onSalePages  int
	onSaleErr    error
	soldItems    []model.Item
	soldPages    int
	soldErr      error
	breakerState string
	delay        time.Duration
}

func (s *stubSearcher) SearchAllPages(ctx context.Context, keyword, status string, maxPages int) ([]model.Item, int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, searchCall{keyword, status, maxPages})
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if status == api.StatusOnSale {
		return s.onSaleItems, s.onSalePages, s.onSaleErr
	}
	return s.soldItems, s.soldPages, s.soldErr
}

func (s *stubSearcher) BreakerState() string {
	if s.breakerState == "" {
		return "closed"
	}
	return s.breakerState
}

func (s *stubSearcher) Fingerprint() api.FingerprintInfo {
	return api.FingerprintInfo{ChromeVersion: "chrome120"}
}

func (s *stubSearcher) Close() {}

func (s *stubSearcher) callCount() []searchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]searchCall{}, s.calls...)
}

type stubAuth struct {
	stats auth.Stats
}

func (a *stubAuth) Mode() auth.Mode { return auth.ModeHTTP }

func (a *stubAuth) Stats() auth.Stats {
	if a.stats.Mode == "" {
		return auth.Stats{Mode: "http"}
	}
	return a.stats
}

func (a *stubAuth) IsCoolingDown() bool      { return false }
func (a *stubAuth) TryRecoverHTTPMode() bool { return true }

func items(ids ...string) []model.Item {
	out := make([]model.Item, len(ids))
	for i, id := range ids {
		out[i] = model.Item{SourceID: id}
	}
	return out
}

func runEngine(t *testing.T, q *stubQueue, l *stubLimiter, s *stubSearcher, wantResults int) {
	t.Helper()

	eng := New(Config{MaxConcurrentTasks: 2, PopTimeout: 20 * time.Millisecond},
		q, l, s, &stubAuth{}, metrics.NewMetrics("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		results, _ := q.snapshot()
		if len(results) >= wantResults {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for results")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestHappyPath(t *testing.T) {
	q := &stubQueue{
		healthy: true,
		tasks: []*model.CrawlRequest{{
			IPID:        1,
			Keyword:     "hololive",
			TaskID:      "task-1",
			PagesOnSale: 1,
			PagesSold:   1,
		}},
	}
	l := &stubLimiter{}
	s := &stubSearcher{
		onSaleItems: items("a", "b", "c"),
		onSalePages: 1,
		soldItems:   items("d", "e"),
		soldPages:   1,
	}

	runEngine(t, q, l, s, 1)

	results, acked := q.snapshot()
	require.Len(t, results, 1)
	resp := results[0]
	assert.Equal(t, uint64(1), resp.IPID)
	assert.Equal(t, "task-1", resp.TaskID)
	assert.Len(t, resp.Items, 5)
	assert.Equal(t, uint32(5), resp.TotalFound)
	assert.Equal(t, uint32(2), resp.PagesCrawled)
	assert.Empty(t, resp.ErrorMessage)
	assert.NotZero(t, resp.CrawledAt)

	assert.Equal(t, []string{"task-1"}, acked)
	assert.Equal(t, 2, l.successes, "both branches report success")

	calls := s.callCount()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, "hololive", call.keyword)
		assert.Equal(t, 1, call.maxPages)
	}
}

func TestRateLimitTimeout(t *testing.T) {
	q := &stubQueue{
		healthy: true,
		tasks:   []*model.CrawlRequest{{IPID: 2, Keyword: "k", TaskID: "task-2", RetryCount: 1}},
	}
	l := &stubLimiter{tokenErr: ratelimit.ErrRateLimitExceeded}
	s := &stubSearcher{}

	runEngine(t, q, l, s, 1)

	results, acked := q.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, "Rate limit timeout", results[0].ErrorMessage)
	assert.Equal(t, uint32(1), results[0].RetryCount)
	assert.Empty(t, results[0].Items)
	assert.Equal(t, []string{"task-2"}, acked)
	assert.Empty(t, s.callCount(), "no crawl happens without a token")
}

func TestBranchErrorClassification(t *testing.T) {
	q := &stubQueue{
		healthy: true,
		tasks: []*model.CrawlRequest{{
			IPID: 3, Keyword: "k", TaskID: "task-3", PagesOnSale: 2, PagesSold: 2,
		}},
	}
	l := &stubLimiter{}
	s := &stubSearcher{
		onSaleItems: items("a", "b"),
		onSalePages: 2,
		soldErr:     &api.Error{Status: 429, Message: "rate limited by upstream"},
	}

	runEngine(t, q, l, s, 1)

	results, _ := q.snapshot()
	require.Len(t, results, 1)
	resp := results[0]
	assert.Len(t, resp.Items, 2, "failed branch contributes no items")
	assert.Equal(t, uint32(2), resp.PagesCrawled)
	assert.Contains(t, resp.ErrorMessage, "sold: ")
	assert.NotContains(t, resp.ErrorMessage, "on_sale: ")

	assert.Equal(t, 1, l.successes)
	assert.Equal(t, 1, l.rateLimits)
}

func TestBothBranchesFail(t *testing.T) {
	q := &stubQueue{
		healthy: true,
		tasks: []*model.CrawlRequest{{
			IPID: 4, Keyword: "k", TaskID: "task-4", PagesOnSale: 1, PagesSold: 1,
		}},
	}
	l := &stubLimiter{}
	s := &stubSearcher{
		onSaleErr: &api.Error{Status: 403, Message: "forbidden by upstream"},
		soldErr:   &api.Error{Status: 500, Message: "api error: 500"},
	}

	runEngine(t, q, l, s, 1)

	results, _ := q.snapshot()
	require.Len(t, results, 1)
	resp := results[0]
	assert.Empty(t, resp.Items)
	assert.Contains(t, resp.ErrorMessage, "on_sale: ")
	assert.Contains(t, resp.ErrorMessage, "sold: ")
	assert.Contains(t, resp.ErrorMessage, "; ")

	assert.Equal(t, 1, l.forbiddens)
	assert.Equal(t, 1, l.errors)
}

func TestZeroPageBranchSkipped(t *testing.T) {
	q := &stubQueue{
		healthy: true,
		tasks: []*model.CrawlRequest{{
			IPID: 5, Keyword: "k", TaskID: "task-5", PagesOnSale: 1, PagesSold: 0,
		}},
	}
	l := &stubLimiter{}
	s := &stubSearcher{onSaleItems: items("a"), onSalePages: 1}

	runEngine(t, q, l, s, 1)

	calls := s.callCount()
	require.Len(t, calls, 1)
	assert.Equal(t, api.StatusOnSale, calls[0].status)
}

func TestShutdownDrainsInFlightTask(t *testing.T) {
	q := &stubQueue{
		healthy: true,
		tasks: []*model.CrawlRequest{{
			IPID: 6, Keyword: "k", TaskID: "task-6", PagesOnSale: 1, PagesSold: 1,
		}},
	}
	l := &stubLimiter{}
	s := &stubSearcher{onSalePages: 1, soldPages: 1, delay: 100 * time.Millisecond}

	eng := New(Config{MaxConcurrentTasks: 2, PopTimeout: 20 * time.Millisecond},
		q, l, s, &stubAuth{}, metrics.NewMetrics("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()

	// Give the engine time to pop the task, then cancel mid-crawl.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	results, acked := q.snapshot()
	require.Len(t, results, 1, "in-flight task finished during drain")
	assert.Equal(t, []string{"task-6"}, acked)
}

func TestHealthSnapshot(t *testing.T) {
	q := &stubQueue{healthy: true}
	s := &stubSearcher{}
	eng := New(Config{}, q, &stubLimiter{}, s, &stubAuth{}, metrics.NewMetrics("test"))

	h := eng.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "ok", h.Redis)
	assert.Equal(t, "closed", h.CircuitBreaker)
	assert.Equal(t, "http", h.AuthMode)
	assert.Equal(t, 2.0, h.AdaptiveDelay)
	assert.Equal(t, "chrome120", h.ChromeVersion)

	s.breakerState = "open"
	h = eng.HealthCheck(context.Background())
	assert.False(t, h.Healthy, "open breaker is unhealthy")

	s.breakerState = "half_open"
	q.healthy = false
	h = eng.HealthCheck(context.Background())
	assert.False(t, h.Healthy, "redis down is unhealthy")
	assert.Equal(t, "error", h.Redis)
}

func TestBrowserFallbackCounterSyncedOnce(t *testing.T) {
	m := metrics.NewMetrics("test")
	a := &stubAuth{stats: auth.Stats{Mode: "browser", TotalBrowserFallbacks: 2}}
	eng := New(Config{}, &stubQueue{healthy: true}, &stubLimiter{}, &stubSearcher{}, a, m)

	eng.refreshMetrics(context.Background())
	eng.refreshMetrics(context.Background())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BrowserFallbacks), "totals are synced as deltas, not re-added")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthMode))

	a.stats.TotalBrowserFallbacks = 3
	eng.refreshMetrics(context.Background())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BrowserFallbacks))
}
