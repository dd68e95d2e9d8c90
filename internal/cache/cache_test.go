package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/leaderboard-sync/internal/config"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.CacheConfig{Enabled: true, Prefix: "test", DefaultTTL: time.Minute}
	return NewWithClient(client, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

type page struct {
	Items []string `json:"items"`
	Total int      `json:"total"`
}

func TestKey_String(t *testing.T) {
	k := NewKey("Rankings").With("sort", "Weighted").WithInt("page", 2)
	if got := k.String(); got != "rankings:sort=weighted:page=2" {
		t.Errorf("Unexpected key %q", got)
	}

	base := NewKey("player")
	a := base.With("id", "1")
	b := base.With("id", "2")
	if a.String() == b.String() {
		t.Error("Expected derived keys not to share parameters")
	}
}

func TestGetOrCompute_CachesSuccess(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := NewKey(NamespaceRankings).WithInt("page", 1)

	calls := 0
	compute := func(ctx context.Context) (page, error) {
		calls++
		return page{Items: []string{"a", "b"}, Total: 2}, nil
	}

	first, err := GetOrCompute(ctx, c, key, 0, compute)
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	second, err := GetOrCompute(ctx, c, key, 0, compute)
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("Expected 1 computation, got %d", calls)
	}
	if second.Total != first.Total || len(second.Items) != 2 {
		t.Errorf("Expected cached value, got %+v", second)
	}
	if !mr.Exists("test:rankings:page=1") {
		t.Error("Expected entry under prefixed key")
	}
	if ttl := mr.TTL("test:rankings:page=1"); ttl != time.Minute {
		t.Errorf("Expected default TTL, got %v", ttl)
	}
}

func TestGetOrCompute_ExpiresAfterTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := NewKey(NamespaceStats)

	calls := 0
	compute := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	GetOrCompute(ctx, c, key, 10*time.Second, compute)
	mr.FastForward(11 * time.Second)
	got, _ := GetOrCompute(ctx, c, key, 10*time.Second, compute)

	if calls != 2 || got != 2 {
		t.Errorf("Expected recomputation after expiry, calls=%d got=%d", calls, got)
	}
}

func TestGetOrCompute_DoesNotCacheErrors(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := NewKey(NamespacePlayer).With("id", "9")

	boom := errors.New("boom")
	_, err := GetOrCompute(ctx, c, key, 0, func(ctx context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected compute error, got %v", err)
	}
	if mr.Exists("test:player:id=9") {
		t.Error("Expected failed computation not to be cached")
	}
}

func TestGetOrCompute_UnavailableFallsBack(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	got, err := GetOrCompute(context.Background(), c, NewKey(NamespaceStats), 0, func(ctx context.Context) (string, error) {
		return "direct", nil
	})
	if err != nil || got != "direct" {
		t.Errorf("Expected direct computation, got %q err=%v", got, err)
	}
}

func TestGetOrCompute_NilCache(t *testing.T) {
	var c *Cache
	got, err := GetOrCompute(context.Background(), c, NewKey(NamespaceStats), 0, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Errorf("Expected direct computation, got %d err=%v", got, err)
	}
}

func TestInvalidate_Scoped(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set("test:item_scores:item=1", "x")
	mr.Set("test:item_scores:item=10", "x")
	mr.Set("test:rankings:page=1", "x")
	mr.Set("test:rankings:page=2", "x")

	if err := c.Invalidate(ctx, NewKey(NamespaceItemScores).With("item", "1")); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if mr.Exists("test:item_scores:item=1") {
		t.Error("Expected scoped key removed")
	}
	if !mr.Exists("test:item_scores:item=10") {
		t.Error("Expected sibling key kept")
	}

	if err := c.Invalidate(ctx, NewKey(NamespaceRankings)); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if mr.Exists("test:rankings:page=1") || mr.Exists("test:rankings:page=2") {
		t.Error("Expected namespace cleared")
	}
}

func TestInvalidate_Unavailable(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	if err := c.Invalidate(context.Background(), NewKey(NamespaceRankings)); err == nil {
		t.Error("Expected error when cache is down")
	}
}
