package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Delay bounds and adjustment factors for the adaptive layer. These tune the
// per-worker pacing only; the shared bucket stays authoritative for the
// global budget.
const (
	MinDelay     = 1500 * time.Millisecond
	MaxDelay     = 30 * time.Second
	DefaultDelay = 2 * time.Second

	backoffFactor     = 2.0
	errorFactor       = 1.2
	recoveryFactor    = 0.95
	recoveryThreshold = 20
)

// AdaptiveStats is a snapshot of the adaptive layer's counters.
type AdaptiveStats struct {
	CurrentDelay  time.Duration
	SuccessStreak int
	TotalRequests int64
	RateLimitsHit int64
	ForbiddensHit int64
}

// AdaptiveDelayer wraps the shared Limiter with a locally-mutable
// inter-request delay that doubles on 429/403 and decays after streaks of
// success. It is per-process by design: global fairness is the bucket's job.
type AdaptiveDelayer struct {
	base *Limiter

	mu            sync.Mutex
	delay         time.Duration
	successStreak int
	totalRequests int64
	rateLimitsHit int64
	forbiddensHit int64

	sleep func(context.Context, time.Duration) error
}

// NewAdaptiveDelayer wraps base with the default starting delay.
func NewAdaptiveDelayer(base *Limiter) *AdaptiveDelayer {
	return &AdaptiveDelayer{
		base:  base,
		delay: DefaultDelay,
		sleep: sleepCtx,
	}
}

// Acquire passes through to the shared limiter.
func (a *AdaptiveDelayer) Acquire(ctx context.Context, n int) (bool, error) {
	return a.base.Acquire(ctx, n)
}

// WaitForToken passes through to the shared limiter.
func (a *AdaptiveDelayer) WaitForToken(ctx context.Context, timeout time.Duration) error {
	return a.base.WaitForToken(ctx, timeout)
}

// WaitAdaptive sleeps the current inter-request delay.
func (a *AdaptiveDelayer) WaitAdaptive(ctx context.Context) error {
	a.mu.Lock()
	d := a.delay
	a.mu.Unlock()
	return a.sleep(ctx, d)
}

// Delay returns the current inter-request delay.
func (a *AdaptiveDelayer) Delay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delay
}

// Stats returns a snapshot of the adaptive counters.
func (a *AdaptiveDelayer) Stats() AdaptiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AdaptiveStats{
		CurrentDelay:  a.delay,
		SuccessStreak: a.successStreak,
		TotalRequests: a.totalRequests,
		RateLimitsHit: a.rateLimitsHit,
		ForbiddensHit: a.forbiddensHit,
	}
}

// OnSuccess extends the success streak; every recoveryThreshold successes the
// delay decays by 5%, floored at MinDelay.
func (a *AdaptiveDelayer) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	a.successStreak++

	if a.successStreak >= recoveryThreshold {
		a.delay = maxDuration(MinDelay, time.Duration(float64(a.delay)*recoveryFactor))
		a.successStreak = 0
		log.Debug().Dur("delay", a.delay).Msg("adaptive delay reduced")
	}
}

// OnRateLimit doubles the delay after an upstream 429.
func (a *AdaptiveDelayer) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	a.rateLimitsHit++
	a.successStreak = 0
	a.delay = minDuration(MaxDelay, time.Duration(float64(a.delay)*backoffFactor))
	log.Warn().Dur("delay", a.delay).Int64("total_429s", a.rateLimitsHit).Msg("adaptive delay increased after 429")
}

// OnForbidden doubles the delay after an upstream 403.
func (a *AdaptiveDelayer) OnForbidden() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	a.forbiddensHit++
	a.successStreak = 0
	a.delay = minDuration(MaxDelay, time.Duration(float64(a.delay)*backoffFactor))
	log.Warn().Dur("delay", a.delay).Int64("total_403s", a.forbiddensHit).Msg("adaptive delay increased after 403")
}

// OnError bumps the delay slightly after a network or timeout error.
func (a *AdaptiveDelayer) OnError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	a.successStreak = 0
	a.delay = minDuration(MaxDelay, time.Duration(float64(a.delay)*errorFactor))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
