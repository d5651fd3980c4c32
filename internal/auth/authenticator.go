// Package auth brokers request credentials for the upstream search API. It
// prefers the cheap HTTP path (self-generated DPoP proofs) and falls back to
// headless-browser-captured credentials under sustained failure, recovering
// back to the HTTP path once the upstream calms down.
package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/animetop/mercari-crawler/internal/dpop"
)

// Policy constants shared with the workers in other languages.
const (
	// FallbackThreshold is the number of consecutive failures that flips the
	// authenticator from HTTP to browser mode.
	FallbackThreshold = 3

	// RecoveryInterval is how long after the last failure a recovery back to
	// HTTP mode may be attempted.
	RecoveryInterval = 300 * time.Second

	// KeyRotationInterval bounds the age of a DPoP keypair.
	KeyRotationInterval = 900 * time.Second

	// CooldownAfter403 is the pause imposed after the upstream returns 403.
	CooldownAfter403 = 60 * time.Second
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36",
}

// ErrCaptureFailed reports that the browser collaborator could not produce a
// usable credential set. It fails the current request but does not change the
// authenticator's mode.
var ErrCaptureFailed = errors.New("browser credential capture failed")

// Mode is the active authentication path.
type Mode int

const (
	ModeHTTP Mode = iota
	ModeBrowser
)

func (m Mode) String() string {
	if m == ModeBrowser {
		return "browser"
	}
	return "http"
}

// BrowserAuth is a credential set captured from a real browser session.
type BrowserAuth struct {
	Headers           map[string]string
	Cookies           map[string]string
	SearchSessionID   string
	LaplaceDeviceUUID string
	CapturedAt        time.Time
}

// CredentialCapturer is the external "capture a real session" capability.
// Given a user agent it drives a browser through a search and returns the
// observed headers, cookies and session identifiers.
type CredentialCapturer interface {
	Capture(ctx context.Context, userAgent string) (*BrowserAuth, error)
}

// Stats is a point-in-time snapshot of the authenticator's counters.
type Stats struct {
	Mode                  string
	ConsecutiveFailures   int
	TotalHTTPRequests     int64
	TotalBrowserFallbacks int64
	ModeSwitches          int64
	DPoPKeyAge            time.Duration
}

// Authenticator is the dual-mode credential broker. All state transitions run
// under a single mutex; browser captures are serialized (and deduplicated) by
// a second one.
type Authenticator struct {
	maxAge   time.Duration
	capturer CredentialCapturer

	userAgent string

	mu                    sync.Mutex
	mode                  Mode
	consecutiveFailures   int
	lastFailureTime       time.Time
	totalHTTPRequests     int64
	totalBrowserFallbacks int64
	modeSwitches          int64
	signer                *dpop.Signer
	browser               *BrowserAuth
	cooldownUntil         time.Time

	captureMu sync.Mutex

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates an authenticator in HTTP mode with zero failures and no signer.
// maxAge bounds the validity of captured browser credentials.
func New(capturer CredentialCapturer, maxAge time.Duration) *Authenticator {
	return &Authenticator{
		maxAge:    maxAge,
		capturer:  capturer,
		userAgent: userAgents[rand.Intn(len(userAgents))],
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Mode returns the active authentication path.
func (a *Authenticator) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// UserAgent returns the stable user agent chosen at construction.
func (a *Authenticator) UserAgent() string { return a.userAgent }

// IsCoolingDown reports whether a 403 cooldown is active.
func (a *Authenticator) IsCoolingDown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Before(a.cooldownUntil)
}

// Stats returns a snapshot of the authenticator's counters.
func (a *Authenticator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		Mode:                  a.mode.String(),
		ConsecutiveFailures:   a.consecutiveFailures,
		TotalHTTPRequests:     a.totalHTTPRequests,
		TotalBrowserFallbacks: a.totalBrowserFallbacks,
		ModeSwitches:          a.modeSwitches,
	}
	if a.signer != nil {
		s.DPoPKeyAge = a.signer.Age()
	}
	return s
}

// GetAuthHeaders returns the request headers for the active mode. If a 403
// cooldown is in effect the call blocks until it expires.
func (a *Authenticator) GetAuthHeaders(ctx context.Context, url, method string) (map[string]string, error) {
	a.mu.Lock()
	wait := a.cooldownUntil.Sub(a.now())
	a.mu.Unlock()

	if wait > 0 {
		log.Debug().Dur("wait", wait).Msg("auth cooldown active, waiting")
		if err := a.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	// The mode can flip while the cooldown runs; honor the current one.
	a.mu.Lock()
	mode := a.mode
	a.mu.Unlock()

	if mode == ModeHTTP {
		return a.httpHeaders(url, method)
	}
	return a.browserHeaders(ctx)
}

// httpHeaders signs a fresh DPoP proof, rotating the keypair when stale.
func (a *Authenticator) httpHeaders(url, method string) (map[string]string, error) {
	a.mu.Lock()
	if a.signer == nil || a.signer.Age() > KeyRotationInterval {
		signer, err := dpop.NewSigner()
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("rotate dpop key: %w", err)
		}
		log.Info().Msg("rotating dpop key")
		a.signer = signer
	}
	signer := a.signer
	a.mu.Unlock()

	token, err := signer.Sign(method, url)
	if err != nil {
		return nil, fmt.Errorf("sign dpop token: %w", err)
	}

	return map[string]string{
		"content-type":    "application/json",
		"x-platform":      "web",
		"dpop":            token,
		"user-agent":      a.userAgent,
		"accept":          "application/json, text/plain, */*",
		"accept-language": "ja-JP,ja;q=0.9",
		"origin":          "https://jp.mercari.com",
		"referer":         "https://jp.mercari.com/",
	}, nil
}

// browserHeaders returns a copy of the captured headers, refreshing the
// capture when absent or expired.
func (a *Authenticator) browserHeaders(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	valid := a.browserAuthValidLocked()
	a.mu.Unlock()

	if !valid {
		if err := a.captureBrowserAuth(ctx); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.browser == nil {
		return nil, ErrCaptureFailed
	}
	headers := make(map[string]string, len(a.browser.Headers))
	for k, v := range a.browser.Headers {
		headers[k] = v
	}
	return headers, nil
}

// GetCookies returns a copy of the captured cookies. Empty in HTTP mode.
func (a *Authenticator) GetCookies() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != ModeBrowser || a.browser == nil {
		return map[string]string{}
	}
	cookies := make(map[string]string, len(a.browser.Cookies))
	for k, v := range a.browser.Cookies {
		cookies[k] = v
	}
	return cookies
}

// SessionID returns the search session identifier for the active mode.
func (a *Authenticator) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == ModeHTTP && a.signer != nil {
		return a.signer.SessionID()
	}
	if a.browser != nil {
		return a.browser.SearchSessionID
	}
	return ""
}

// DeviceUUID returns the device identifier for the active mode.
func (a *Authenticator) DeviceUUID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == ModeHTTP && a.signer != nil {
		return a.signer.DeviceUUID()
	}
	if a.browser != nil {
		return a.browser.LaplaceDeviceUUID
	}
	return ""
}

// OnSuccess resets the failure streak after a successful request.
func (a *Authenticator) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveFailures = 0
	if a.mode == ModeHTTP {
		a.totalHTTPRequests++
	}
}

// OnFailure records a failed request. A 403 starts the cooldown; crossing the
// fallback threshold in HTTP mode switches to browser mode and eagerly
// captures credentials.
func (a *Authenticator) OnFailure(ctx context.Context, statusCode int) {
	a.mu.Lock()
	a.consecutiveFailures++
	a.lastFailureTime = a.now()

	if statusCode == 403 {
		a.cooldownUntil = a.now().Add(CooldownAfter403)
		log.Warn().Dur("cooldown", CooldownAfter403).Msg("received 403, cooling down")
	}

	fallback := a.mode == ModeHTTP && a.consecutiveFailures >= FallbackThreshold
	if fallback {
		log.Warn().Int("consecutive_failures", a.consecutiveFailures).Msg("falling back to browser mode")
		a.mode = ModeBrowser
		a.consecutiveFailures = 0
		a.totalBrowserFallbacks++
		a.modeSwitches++
	}
	a.mu.Unlock()

	if fallback {
		if err := a.captureBrowserAuth(ctx); err != nil {
			log.Error().Err(err).Msg("eager browser capture failed")
		}
	}
}

// TryRecoverHTTPMode switches back to HTTP mode with a fresh signer if enough
// time has passed since the last failure. Returns true only on an actual
// browser-to-HTTP transition.
func (a *Authenticator) TryRecoverHTTPMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode != ModeBrowser {
		return false
	}
	if a.now().Sub(a.lastFailureTime) < RecoveryInterval {
		return false
	}

	signer, err := dpop.NewSigner()
	if err != nil {
		log.Error().Err(err).Msg("http mode recovery failed to allocate signer")
		return false
	}

	log.Info().Msg("recovered to http mode")
	a.mode = ModeHTTP
	a.consecutiveFailures = 0
	a.signer = signer
	a.modeSwitches++
	return true
}

// browserAuthValidLocked reports whether the cached capture is fresh.
// Caller holds mu.
func (a *Authenticator) browserAuthValidLocked() bool {
	if a.browser == nil {
		return false
	}
	return a.now().Sub(a.browser.CapturedAt) < a.maxAge
}

// captureBrowserAuth invokes the capture collaborator, deduplicating
// concurrent attempts with a double-checked validity test.
func (a *Authenticator) captureBrowserAuth(ctx context.Context) error {
	a.captureMu.Lock()
	defer a.captureMu.Unlock()

	a.mu.Lock()
	valid := a.browserAuthValidLocked()
	a.mu.Unlock()
	if valid {
		return nil
	}

	if a.capturer == nil {
		return fmt.Errorf("%w: no capturer configured", ErrCaptureFailed)
	}

	log.Info().Msg("capturing browser auth")
	start := a.now()

	captured, err := a.capturer.Capture(ctx, a.userAgent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if captured == nil || len(captured.Headers) == 0 {
		return fmt.Errorf("%w: empty capture", ErrCaptureFailed)
	}
	if captured.CapturedAt.IsZero() {
		captured.CapturedAt = a.now()
	}

	a.mu.Lock()
	a.browser = captured
	a.mu.Unlock()

	log.Info().
		Dur("duration", a.now().Sub(start)).
		Int("headers", len(captured.Headers)).
		Int("cookies", len(captured.Cookies)).
		Msg("browser auth captured")
	return nil
}
