package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

// maxBodySize bounds how much of a response body is read
const maxBodySize = 8 << 20

// TokenSource provides bearer credentials to the client
type TokenSource interface {
	Token(ctx context.Context) (Credential, error)
	Invalidate()
}

// Request describes one upstream call
type Request struct {
	Method string
	Path   string
	Query  url.Values
}

// Response is a successful upstream response
type Response struct {
	StatusCode int
	Body       []byte
}

// StatusError is a classified non-2xx upstream response or transport failure.
// It unwraps to one of the domain upstream sentinels.
type StatusError struct {
	StatusCode int
	Path       string
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d: %v", e.Path, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of the client's shared counters
type Stats struct {
	Requests          int64     `json:"requests"`
	Errors            int64     `json:"errors"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	InFlight          int       `json:"in_flight"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
	PausedUntil       time.Time `json:"paused_until,omitempty"`
}

// Client is the process-wide rate-limited upstream scheduler. Every upstream
// call from scans, discovery and deep fetches goes through one instance.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
	logger      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu                sync.Mutex
	consecutiveErrors int
	pausedUntil       time.Time
	requests          int64
	errorCount        int64
	inFlight          int
	lastError         string
	lastErrorAt       time.Time
}

// NewClient creates the rate-limited client
func NewClient(cfg *config.UpstreamConfig, httpClient *http.Client, tokens TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	concurrency := cfg.MaxConcurrent
	if concurrency < 1 {
		concurrency = 1
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}

	return &Client{
		baseURL:     cfg.BaseURL,
		httpClient:  httpClient,
		tokens:      tokens,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		limiter:     rate.NewLimiter(limit, 1),
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		maxAttempts: attempts,
		logger:      logger,
		sleep:       sleepContext,
		now:         time.Now,
	}
}

// Schedule performs req under the concurrency ceiling and dispatch spacing.
// A 401 invalidates the credential and retries once immediately; 429 and
// unavailability back off exponentially up to the attempt ceiling; not found
// and malformed responses return without retry.
func (c *Client) Schedule(ctx context.Context, req Request) (*Response, error) {
	attempts := 0
	authRetried := false

	for {
		resp, err := c.dispatch(ctx, req)
		if err == nil {
			c.recordSuccess()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var se *StatusError
		switch {
		case errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized:
			c.recordFailure(err, false, 0)
			if authRetried {
				return nil, err
			}
			authRetried = true
			c.tokens.Invalidate()
			c.logger.Warn("upstream rejected credential, refreshing", "path", req.Path)

		case domain.IsRetryable(err):
			var retryAfter time.Duration
			if se != nil {
				retryAfter = se.RetryAfter
			}
			c.recordFailure(err, true, retryAfter)
			attempts++
			if attempts >= c.maxAttempts {
				return nil, fmt.Errorf("giving up after %d attempts: %w", attempts, err)
			}
			c.logger.Warn("upstream call failed, backing off",
				"path", req.Path,
				"attempt", attempts,
				"error", err,
			)

		default:
			c.recordFailure(err, false, 0)
			return nil, err
		}
	}
}

// dispatch performs one attempt
func (c *Client) dispatch(ctx context.Context, req Request) (*Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if err := c.waitPause(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	reqURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		reqURL += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, http.NoBody)
	if err != nil {
		return nil, &StatusError{Path: req.Path, Err: fmt.Errorf("%w: %v", domain.ErrMalformed, err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	httpReq.Header.Set("Accept", "application/json")

	c.trackInFlight(1)
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.UpstreamRequestDuration.Observe(time.Since(start).Seconds())
	c.trackInFlight(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StatusError{Path: req.Path, Err: fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &StatusError{StatusCode: resp.StatusCode, Path: req.Path, Err: fmt.Errorf("%w: reading body: %v", domain.ErrUpstreamUnavailable, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.UpstreamRequests.WithLabelValues("ok").Inc()
		return &Response{StatusCode: resp.StatusCode, Body: body}, nil
	}

	se := &StatusError{StatusCode: resp.StatusCode, Path: req.Path, Body: truncate(string(body), 512)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		se.Err = domain.ErrAuthFailure
		metrics.UpstreamRequests.WithLabelValues("unauthorized").Inc()
	case resp.StatusCode == http.StatusTooManyRequests:
		se.Err = domain.ErrRateLimited
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		metrics.UpstreamRequests.WithLabelValues("rate_limited").Inc()
	case resp.StatusCode == http.StatusNotFound:
		se.Err = domain.ErrNotFound
		metrics.UpstreamRequests.WithLabelValues("not_found").Inc()
	case resp.StatusCode >= 500:
		se.Err = domain.ErrUpstreamUnavailable
		metrics.UpstreamRequests.WithLabelValues("unavailable").Inc()
	default:
		se.Err = domain.ErrMalformed
		metrics.UpstreamRequests.WithLabelValues("malformed").Inc()
	}
	return nil, se
}

// waitPause blocks while an error-driven backoff is in effect
func (c *Client) waitPause(ctx context.Context) error {
	c.mu.Lock()
	d := c.pausedUntil.Sub(c.now())
	c.mu.Unlock()
	if d <= 0 {
		return nil
	}
	metrics.UpstreamBackoffSeconds.Add(d.Seconds())
	return c.sleep(ctx, d)
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.requests++
	c.consecutiveErrors = 0
	c.pausedUntil = time.Time{}
	c.mu.Unlock()
	metrics.UpstreamConsecutiveErrors.Set(0)
}

// recordFailure updates the shared counters. With backoff set it extends the
// process-wide pause by base * 2^consecutiveErrors, capped.
func (c *Client) recordFailure(err error, backoff bool, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests++
	c.errorCount++
	c.lastError = err.Error()
	c.lastErrorAt = c.now()
	if !backoff {
		return
	}

	delay := c.backoffDelay(c.consecutiveErrors)
	if retryAfter > delay {
		delay = retryAfter
	}
	c.consecutiveErrors++
	if until := c.now().Add(delay); until.After(c.pausedUntil) {
		c.pausedUntil = until
	}
	metrics.UpstreamConsecutiveErrors.Set(float64(c.consecutiveErrors))
}

func (c *Client) backoffDelay(consecutive int) time.Duration {
	if c.backoffBase <= 0 {
		return 0
	}
	delay := c.backoffBase
	for i := 0; i < consecutive; i++ {
		delay *= 2
		if c.backoffMax > 0 && delay >= c.backoffMax {
			return c.backoffMax
		}
	}
	if c.backoffMax > 0 && delay > c.backoffMax {
		return c.backoffMax
	}
	return delay
}

func (c *Client) trackInFlight(delta int) {
	c.mu.Lock()
	c.inFlight += delta
	c.mu.Unlock()
}

// ConsecutiveErrors returns the shared consecutive error counter
func (c *Client) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

// Stats returns a snapshot of the client's counters
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Requests:          c.requests,
		Errors:            c.errorCount,
		ConsecutiveErrors: c.consecutiveErrors,
		InFlight:          c.inFlight,
		LastError:         c.lastError,
		LastErrorAt:       c.lastErrorAt,
		PausedUntil:       c.pausedUntil,
	}
}

// getJSON schedules a GET and decodes the body into out
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.Schedule(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", domain.ErrMalformed, path, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
