package upstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
)

type fakeTokens struct {
	mu            sync.Mutex
	tokens        []string
	idx           int
	err           error
	invalidations int
}

func (f *fakeTokens) Token(ctx context.Context) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Credential{}, f.err
	}
	return Credential{Token: f.tokens[f.idx], Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
	if f.idx < len(f.tokens)-1 {
		f.idx++
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string, tokens TokenSource, mutate func(*config.UpstreamConfig)) (*Client, *sleepRecorder) {
	t.Helper()
	cfg := &config.UpstreamConfig{
		BaseURL:        baseURL,
		MaxConcurrent:  3,
		BackoffBase:    100 * time.Millisecond,
		BackoffMax:     time.Second,
		MaxAttempts:    4,
		RequestTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	if tokens == nil {
		tokens = &fakeTokens{tokens: []string{"token"}}
	}
	c := NewClient(cfg, nil, tokens, testLogger())
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func TestSchedule_RateLimitedThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"id":"100","label":"first","weight":12.5}]}`))
	}))
	defer server.Close()

	client, rec := newTestClient(t, server.URL, nil, nil)

	items, err := client.ListItems(context.Background(), 1)
	if err != nil {
		t.Fatalf("Expected success after one retry, got %v", err)
	}
	if len(items) != 1 || items[0].ID != "100" {
		t.Fatalf("Expected attempt-2 result, got %+v", items)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
	if rec.count() != 1 {
		t.Fatalf("Expected exactly one backoff delay, got %d", rec.count())
	}
	if d := rec.delays[0]; d <= 0 || d > 100*time.Millisecond {
		t.Errorf("Expected backoff in (0, 100ms], got %v", d)
	}
	if got := client.ConsecutiveErrors(); got != 0 {
		t.Errorf("Expected error counter reset to 0, got %d", got)
	}
}

func TestSchedule_UnauthorizedRefreshesOnce(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"items":[]}`))
	}))
	defer server.Close()

	tokens := &fakeTokens{tokens: []string{"stale", "fresh"}}
	client, rec := newTestClient(t, server.URL, tokens, nil)

	if _, err := client.ListItems(context.Background(), 1); err != nil {
		t.Fatalf("Expected success after refresh, got %v", err)
	}
	if tokens.invalidations != 1 {
		t.Errorf("Expected 1 invalidation, got %d", tokens.invalidations)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
	if rec.count() != 0 {
		t.Errorf("Expected no backoff for auth retry, got %d", rec.count())
	}
}

func TestSchedule_UnauthorizedTwiceFails(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &fakeTokens{tokens: []string{"a", "b"}}
	client, _ := newTestClient(t, server.URL, tokens, nil)

	_, err := client.ListItems(context.Background(), 1)
	if !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("Expected ErrAuthFailure, got %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestSchedule_NotFoundIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, rec := newTestClient(t, server.URL, nil, nil)

	_, err := client.ItemScores(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("Expected 1 attempt, got %d", got)
	}
	if rec.count() != 0 {
		t.Errorf("Expected no backoff, got %d", rec.count())
	}
}

func TestSchedule_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil, nil)

	if _, err := client.ListItems(context.Background(), 1); !errors.Is(err, domain.ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestSchedule_AttemptCeiling(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, rec := newTestClient(t, server.URL, nil, func(c *config.UpstreamConfig) {
		c.MaxAttempts = 3
	})

	_, err := client.ListItems(context.Background(), 1)
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("Expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if rec.count() != 2 {
		t.Fatalf("Expected 2 backoff delays, got %d", rec.count())
	}
	if rec.delays[1] <= rec.delays[0] {
		t.Errorf("Expected growing backoff, got %v then %v", rec.delays[0], rec.delays[1])
	}
	if got := client.ConsecutiveErrors(); got != 3 {
		t.Errorf("Expected 3 consecutive errors, got %d", got)
	}
	if stats := client.Stats(); stats.LastError == "" || stats.Errors != 3 {
		t.Errorf("Expected stats to record 3 errors, got %+v", stats)
	}
}

func TestSchedule_TokenFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	tokens := &fakeTokens{err: domain.ErrAuthFailure}
	client, _ := newTestClient(t, server.URL, tokens, nil)

	if _, err := client.ListItems(context.Background(), 1); !errors.Is(err, domain.ErrAuthFailure) {
		t.Fatalf("Expected ErrAuthFailure, got %v", err)
	}
	if got := attempts.Load(); got != 0 {
		t.Errorf("Expected no upstream calls, got %d", got)
	}
}

func TestSchedule_ConcurrencyAndSpacing(t *testing.T) {
	const (
		calls   = 6
		limit   = 3
		spacing = 40 * time.Millisecond
	)

	var inFlight, maxInFlight atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte(`{"items":[]}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, nil, func(c *config.UpstreamConfig) {
		c.MaxConcurrent = limit
		c.MinSpacing = spacing
	})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			if _, err := client.ListItems(context.Background(), page); err != nil {
				t.Errorf("call %d failed: %v", page, err)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	minimum := time.Duration((calls+limit-1)/limit) * spacing
	if elapsed < minimum {
		t.Errorf("Expected at least %v, took %v", minimum, elapsed)
	}
	if got := maxInFlight.Load(); got > limit {
		t.Errorf("Expected at most %d in flight, observed %d", limit, got)
	}
}

func TestBackoffDelay_Capped(t *testing.T) {
	client, _ := newTestClient(t, "http://unused", nil, func(c *config.UpstreamConfig) {
		c.BackoffBase = 100 * time.Millisecond
		c.BackoffMax = 500 * time.Millisecond
	})

	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := client.backoffDelay(tt.consecutive); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.consecutive, got, tt.want)
		}
	}
}
