// Package capture implements the browser credential capturer behind the
// auth.CredentialCapturer contract using a headless Chromium driven by rod.
// It loads a real search page, intercepts the outgoing search API request and
// records its headers, body session identifiers and cookies.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/animetop/mercari-crawler/internal/auth"
)

const (
	// seedURL triggers the same search request the worker later forges.
	seedURL = "https://jp.mercari.com/search?keyword=test&status=on_sale"

	// settleDelay gives the page time to fire its search request after load.
	settleDelay = 3 * time.Second
)

// Headers that must not be replayed on forged requests.
var strippedHeaders = []string{"host", "content-length", "connection", "accept-encoding"}

// RodCapturer launches a fresh headless browser per capture. Captures are
// rare (only on fallback or credential expiry), so keeping no long-lived
// browser around is the simpler trade.
type RodCapturer struct {
	// BinPath optionally points at a Chromium binary; empty downloads the
	// rod default.
	BinPath string
}

// Capture drives a headless browser through a search and returns the observed
// credential set.
func (c *RodCapturer) Capture(ctx context.Context, userAgent string) (*auth.BrowserAuth, error) {
	l := launcher.New().
		Headless(true).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")
	if c.BinPath != "" {
		l = l.Bin(c.BinPath)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			log.Debug().Err(err).Msg("browser close failed")
		}
	}()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgent,
		AcceptLanguage: "ja-JP",
	}); err != nil {
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  1920,
		Height: 1080,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	captured := &auth.BrowserAuth{
		Headers: map[string]string{},
		Cookies: map[string]string{},
	}
	var mu sync.Mutex
	var got bool

	router := page.HijackRequests()
	err = router.Add("*api.mercari.jp*entities:search*", "", func(h *rod.Hijack) {
		mu.Lock()
		for k, v := range h.Request.Headers() {
			captured.Headers[strings.ToLower(k)] = v.String()
		}
		if body := h.Request.Body(); body != "" {
			var payload struct {
				SearchSessionID   string `json:"searchSessionId"`
				LaplaceDeviceUUID string `json:"laplaceDeviceUuid"`
			}
			if err := json.Unmarshal([]byte(body), &payload); err == nil {
				captured.SearchSessionID = payload.SearchSessionID
				captured.LaplaceDeviceUUID = payload.LaplaceDeviceUUID
			}
		}
		got = true
		mu.Unlock()
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("register hijack: %w", err)
	}
	go router.Run()
	defer func() {
		if err := router.Stop(); err != nil {
			log.Debug().Err(err).Msg("hijack router stop failed")
		}
	}()

	if err := page.Navigate(seedURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(settleDelay):
	}

	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if !got || len(captured.Headers) == 0 {
		return nil, fmt.Errorf("no search request observed")
	}

	for _, k := range strippedHeaders {
		delete(captured.Headers, k)
	}
	for _, c := range cookies {
		if strings.Contains(c.Domain, "mercari") {
			captured.Cookies[c.Name] = c.Value
		}
	}
	captured.CapturedAt = time.Now()

	log.Info().
		Int("headers", len(captured.Headers)).
		Int("cookies", len(captured.Cookies)).
		Msg("browser session captured")
	return captured, nil
}
