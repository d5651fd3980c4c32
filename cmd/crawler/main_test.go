package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animetop/mercari-crawler/internal/api"
	"github.com/animetop/mercari-crawler/internal/auth"
	"github.com/animetop/mercari-crawler/internal/engine"
	"github.com/animetop/mercari-crawler/internal/metrics"
	"github.com/animetop/mercari-crawler/internal/queue"
	"github.com/animetop/mercari-crawler/internal/ratelimit"
)

func newTestEngine(t *testing.T) (*engine.Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb)
	limiter := ratelimit.NewLimiter(rdb, 2, 5)
	delayer := ratelimit.NewAdaptiveDelayer(limiter)
	authn := auth.New(nil, 30*time.Minute)
	m := metrics.NewMetrics("test")
	client := api.NewClient(authn, api.WithRequestObserver(m.RecordAPIRequest))

	return engine.New(engine.Config{}, q, delayer, client, authn, m), mr
}

func TestReadyEndpointTracksHealth(t *testing.T) {
	eng, mr := newTestEngine(t)
	mux := newHealthMux(eng)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())

	mr.Close()

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Not Ready\n", rec.Body.String())
}

func TestHealthEndpointServesSnapshot(t *testing.T) {
	eng, mr := newTestEngine(t)
	mux := newHealthMux(eng)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot engine.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.True(t, snapshot.Healthy)
	assert.Equal(t, "ok", snapshot.Redis)
	assert.Equal(t, "closed", snapshot.CircuitBreaker)

	mr.Close()

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
