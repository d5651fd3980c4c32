// Package api implements the upstream search client. Requests carry forged or
// captured credentials from the auth package, ride a rotating client
// fingerprint, retry transient transport failures with exponential backoff
// and sit behind a circuit breaker so a dead upstream fails fast.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/animetop/mercari-crawler/internal/model"
)

const (
	// DefaultEndpoint is the production search endpoint.
	DefaultEndpoint = "https://api.mercari.jp/v2/entities:search"

	// ItemsPerPage is the upstream page size limit.
	ItemsPerPage = 120

	// rotationInterval is how many successful requests a fingerprint serves
	// before rotation.
	rotationInterval = 50

	maxAttempts    = 3
	requestTimeout = 30 * time.Second
)

// Fingerprint pools. A profile is a (chrome version, accept-language) pair;
// rotating one rebuilds the transport so pooled connections are dropped too.
var (
	chromeVersions = []string{"chrome120", "chrome119", "chrome116", "chrome110"}

	acceptLanguages = []string{
		"ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7",
		"ja-JP,ja;q=0.9",
		"ja,en-US;q=0.9,en;q=0.8",
		"ja-JP,ja;q=0.8,en;q=0.6",
	}
)

// Error is an upstream API error carrying the HTTP status that caused it.
// A breaker-open short circuit is reported as status 503.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mercari api: %s (status %d)", e.Message, e.Status)
}

// SearchResult is one decoded page of search results.
type SearchResult struct {
	Items         []model.Item
	TotalCount    int
	HasNext       bool
	NextPageToken string
}

// CredentialSource supplies per-request credentials and receives the request
// outcome. Implemented by auth.Authenticator.
type CredentialSource interface {
	GetAuthHeaders(ctx context.Context, url, method string) (map[string]string, error)
	GetCookies() map[string]string
	SessionID() string
	DeviceUUID() string
	OnSuccess()
	OnFailure(ctx context.Context, statusCode int)
}

// FingerprintInfo is a monitoring snapshot of the active fingerprint.
type FingerprintInfo struct {
	ChromeVersion  string `json:"chrome_version"`
	AcceptLanguage string `json:"accept_language"`
	RequestCount   int    `json:"request_count"`
	NextRotationIn int    `json:"next_rotation_in"`
}

// Client is the search API client. Safe for concurrent use.
type Client struct {
	creds    CredentialSource
	endpoint string

	breaker *gobreaker.CircuitBreaker

	mu             sync.Mutex
	httpClient     *http.Client
	chromeVersion  string
	acceptLanguage string
	requestCount   int
	rng            *rand.Rand

	pageDelay time.Duration
	sleep     func(context.Context, time.Duration) error
	observe   func(statusCode int)
}

// Option customizes a Client.
type Option func(*Client)

// WithEndpoint overrides the search endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithPageDelay overrides the inter-page delay of SearchAllPages.
func WithPageDelay(d time.Duration) Option {
	return func(c *Client) { c.pageDelay = d }
}

// WithRandSeed makes fingerprint selection deterministic. Used by tests.
func WithRandSeed(seed int64) Option {
	return func(c *Client) { c.rng = rand.New(rand.NewSource(seed)) }
}

// WithSleep replaces the inter-page and retry sleeps. Used by tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithRequestObserver registers a callback invoked with the HTTP status code
// of every upstream response.
func WithRequestObserver(observe func(statusCode int)) Option {
	return func(c *Client) { c.observe = observe }
}

// NewClient creates a client over the given credential source.
func NewClient(creds CredentialSource, opts ...Option) *Client {
	c := &Client{
		creds:     creds,
		endpoint:  DefaultEndpoint,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		pageDelay: 2 * time.Second,
		sleep:     sleepCtx,
		observe:   func(int) {},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.chromeVersion = chromeVersions[c.rng.Intn(len(chromeVersions))]
	c.acceptLanguage = acceptLanguages[c.rng.Intn(len(acceptLanguages))]
	c.httpClient = newHTTPClient()

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mercari-search",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return c
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

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Search fetches one page of results behind the circuit breaker. When the
// breaker is open it fails fast with a 503 Error without touching the
// upstream.
func (c *Client) Search(ctx context.Context, keyword, status, pageToken string) (*SearchResult, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.searchWithRetry(ctx, keyword, status, pageToken)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().Str("keyword", keyword).Msg("circuit breaker open")
			return nil, &Error{Status: 503, Message: "circuit breaker is open"}
		}
		return nil, err
	}
	return res.(*SearchResult), nil
}

// searchWithRetry retries transient transport failures only; API errors pass
// straight through. Backoff is 5s doubling per attempt, capped at 300s.
func (c *Client) searchWithRetry(ctx context.Context, keyword, status, pageToken string) (*SearchResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := c.doSearch(ctx, keyword, status, pageToken)
		if err == nil {
			return res, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err

		if attempt < maxAttempts-1 {
			backoff := time.Duration(math.Min(5*math.Pow(2, float64(attempt)), 300) * float64(time.Second))
			log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Str("keyword", keyword).Msg("retrying after transport error")
			if serr := c.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}

// isTransient reports whether the error is a transport-level failure worth
// retrying. API status errors and auth errors are not.
func isTransient(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) doSearch(ctx context.Context, keyword, status, pageToken string) (*SearchResult, error) {
	c.maybeRotateFingerprint()

	headers, err := c.creds.GetAuthHeaders(ctx, c.endpoint, "POST")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	c.mu.Lock()
	acceptLanguage := c.acceptLanguage
	chromeVersion := c.chromeVersion
	client := c.httpClient
	c.mu.Unlock()

	body := BuildRequestBody(BodyParams{
		Keyword:           keyword,
		Status:            status,
		SearchSessionID:   c.creds.SessionID(),
		LaplaceDeviceUUID: c.creds.DeviceUUID(),
		PageToken:         pageToken,
		PageSize:          ItemsPerPage,
	})
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("accept-language", acceptLanguage)
	if ua := secChUA(chromeVersion); ua != "" {
		req.Header.Set("sec-ch-ua", ua)
	}
	for name, value := range c.creds.GetCookies() {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("keyword", keyword).Msg("request transport error")
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.observe(resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusOK:
		c.creds.OnSuccess()
		c.recordSuccess()
		return parseResponse(data, status)

	case resp.StatusCode == http.StatusTooManyRequests:
		log.Warn().Str("keyword", keyword).Msg("rate limited by upstream")
		c.creds.OnFailure(ctx, resp.StatusCode)
		return nil, &Error{Status: 429, Message: "rate limited by upstream"}

	case resp.StatusCode == http.StatusForbidden:
		log.Warn().Str("keyword", keyword).Msg("forbidden by upstream")
		c.creds.OnFailure(ctx, resp.StatusCode)
		return nil, &Error{Status: 403, Message: "forbidden by upstream"}

	default:
		log.Error().Int("status", resp.StatusCode).Str("body", truncate(string(data), 500)).Msg("upstream api error")
		c.creds.OnFailure(ctx, resp.StatusCode)
		return nil, &Error{Status: resp.StatusCode, Message: fmt.Sprintf("api error: %d", resp.StatusCode)}
	}
}

// maybeRotateFingerprint rotates once fifty requests have succeeded on the
// current profile, so rotation is observed on the fifty-first request.
func (c *Client) maybeRotateFingerprint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requestCount < rotationInterval {
		return
	}

	old := c.chromeVersion
	c.chromeVersion = chromeVersions[c.rng.Intn(len(chromeVersions))]
	c.acceptLanguage = acceptLanguages[c.rng.Intn(len(acceptLanguages))]
	c.requestCount = 0

	c.httpClient.CloseIdleConnections()
	c.httpClient = newHTTPClient()

	log.Info().Str("old_version", old).Str("new_version", c.chromeVersion).Msg("fingerprint rotated")
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()
}

// SearchAllPages walks up to maxPages of results, pausing between pages.
// Whatever was accumulated before a page failed is returned alongside the
// stopping error so the caller can classify partial results.
func (c *Client) SearchAllPages(ctx context.Context, keyword, status string, maxPages int) ([]model.Item, int, error) {
	var allItems []model.Item
	pageToken := ""
	pagesCrawled := 0

	for page := 0; page < maxPages; page++ {
		result, err := c.Search(ctx, keyword, status, pageToken)
		if err != nil {
			log.Error().Err(err).Str("keyword", keyword).Int("page", page+1).Msg("page fetch failed")
			return allItems, pagesCrawled, err
		}

		allItems = append(allItems, result.Items...)
		pagesCrawled++

		log.Debug().
			Str("keyword", keyword).
			Str("status", status).
			Int("page", page+1).
			Int("items", len(result.Items)).
			Int("total", len(allItems)).
			Msg("page fetched")

		if !result.HasNext || result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken

		if page < maxPages-1 {
			if err := c.sleep(ctx, c.pageDelay); err != nil {
				return allItems, pagesCrawled, err
			}
		}
	}

	return allItems, pagesCrawled, nil
}

// BreakerState returns the circuit breaker state as closed, open or
// half_open.
func (c *Client) BreakerState() string {
	return strings.ReplaceAll(c.breaker.State().String(), "-", "_")
}

// Fingerprint returns the active fingerprint for monitoring.
func (c *Client) Fingerprint() FingerprintInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FingerprintInfo{
		ChromeVersion:  c.chromeVersion,
		AcceptLanguage: c.acceptLanguage,
		RequestCount:   c.requestCount,
		NextRotationIn: rotationInterval - c.requestCount,
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
}

// rawItem tolerates the upstream's protojson string-encoded numbers and the
// several image field spellings seen in the wild.
type rawItem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Price      flexInt64 `json:"price"`
	Thumbnails []string  `json:"thumbnails"`
	Thumbnail  string    `json:"thumbnail"`
	ImageURL   string    `json:"imageUrl"`
}

// flexInt64 decodes a JSON number or a quoted decimal string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("price %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

func parseResponse(data []byte, status string) (*SearchResult, error) {
	var envelope struct {
		Items []json.RawMessage `json:"items"`
		Meta  struct {
			NextPageToken string    `json:"nextPageToken"`
			NumFound      flexInt64 `json:"numFound"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	itemStatus := model.StatusOnSale
	if status == StatusSoldOut {
		itemStatus = model.StatusSold
	}

	items := make([]model.Item, 0, len(envelope.Items))
	for _, rawMsg := range envelope.Items {
		var raw rawItem
		if err := json.Unmarshal(rawMsg, &raw); err != nil {
			log.Warn().Err(err).Str("raw", truncate(string(rawMsg), 200)).Msg("item parse error")
			continue
		}
		if raw.ID == "" {
			continue
		}
		items = append(items, model.Item{
			SourceID: raw.ID,
			Title:    raw.Name,
			Price:    clampPrice(int64(raw.Price)),
			ImageURL: imageURL(raw),
			ItemURL:  "https://jp.mercari.com/item/" + raw.ID,
			Status:   itemStatus,
		})
	}

	totalCount := int(envelope.Meta.NumFound)
	if totalCount == 0 {
		totalCount = len(items)
	}

	return &SearchResult{
		Items:         items,
		TotalCount:    totalCount,
		HasNext:       envelope.Meta.NextPageToken != "",
		NextPageToken: envelope.Meta.NextPageToken,
	}, nil
}

// clampPrice bounds an upstream price to the wire type's uint32 range.
func clampPrice(n int64) uint32 {
	if n < 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func imageURL(raw rawItem) string {
	if len(raw.Thumbnails) > 0 {
		return raw.Thumbnails[0]
	}
	if raw.Thumbnail != "" {
		return raw.Thumbnail
	}
	return raw.ImageURL
}

// secChUA derives the client-hint header for an impersonated chrome version.
func secChUA(chromeVersion string) string {
	major := strings.TrimPrefix(chromeVersion, "chrome")
	if major == chromeVersion || major == "" {
		return ""
	}
	return fmt.Sprintf(`"Not_A Brand";v="8", "Chromium";v="%s", "Google Chrome";v="%s"`, major, major)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
