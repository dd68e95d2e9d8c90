package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leaderboard-sync/internal/cache"
	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/reconcile"
)

// Page size limits for ranking reads
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// SortPerformance orders rankings by weighted performance
const SortPerformance = "performance"

// Store is the read side of the relational store
type Store interface {
	Rankings(ctx context.Context, limit, offset int) ([]domain.RankingEntry, error)
	ItemScores(ctx context.Context, itemID string) ([]domain.Score, error)
	GetPlayer(ctx context.Context, playerID string) (*domain.Player, error)
	PlayerScores(ctx context.Context, playerID string) ([]domain.Score, error)
	GlobalStats(ctx context.Context) (*domain.GlobalStats, error)
}

// RankingsPage is one page of the tracked-population ranking
type RankingsPage struct {
	Sort    string                `json:"sort"`
	Page    int                   `json:"page"`
	Size    int                   `json:"size"`
	Entries []domain.RankingEntry `json:"entries"`
}

// PlayerProfile is a player with their stored scores
type PlayerProfile struct {
	Player *domain.Player `json:"player"`
	Scores []domain.Score `json:"scores"`
}

// LeaderboardService serves the derived read paths through the cache and
// keeps cached entries coherent with committed writes
type LeaderboardService struct {
	store      Store
	cache      *cache.Cache
	rankingTTL time.Duration
	logger     *slog.Logger
}

// NewLeaderboardService creates a new leaderboard service. A nil cache
// reads straight from the store.
func NewLeaderboardService(
	store Store,
	c *cache.Cache,
	cfg *config.CacheConfig,
	logger *slog.Logger,
) *LeaderboardService {
	s := &LeaderboardService{
		store:  store,
		cache:  c,
		logger: logger,
	}
	if cfg != nil {
		s.rankingTTL = cfg.RankingTTL
	}
	return s
}

// Rankings returns one page of the ranking. Page is 1-based.
func (s *LeaderboardService) Rankings(ctx context.Context, sort string, page, size int) (*RankingsPage, error) {
	if sort == "" {
		sort = SortPerformance
	}
	if sort != SortPerformance {
		return nil, fmt.Errorf("%w: unsupported sort %q", domain.ErrInvalidRequest, sort)
	}
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	key := cache.NewKey(cache.NamespaceRankings).
		With("sort", sort).
		WithInt("page", page).
		WithInt("size", size)

	return cache.GetOrCompute(ctx, s.cache, key, s.rankingTTL, func(ctx context.Context) (*RankingsPage, error) {
		entries, err := s.store.Rankings(ctx, size, (page-1)*size)
		if err != nil {
			return nil, fmt.Errorf("getting rankings: %w", err)
		}
		// ranks are positions in the whole ordering, not the page
		for i := range entries {
			entries[i].Rank = (page-1)*size + i + 1
		}
		return &RankingsPage{Sort: sort, Page: page, Size: size, Entries: entries}, nil
	})
}

// ItemScores returns the stored scores of one item, best first
func (s *LeaderboardService) ItemScores(ctx context.Context, itemID string) ([]domain.Score, error) {
	if itemID == "" {
		return nil, domain.ErrInvalidRequest
	}

	key := cache.NewKey(cache.NamespaceItemScores).With("item", itemID)
	return cache.GetOrCompute(ctx, s.cache, key, 0, func(ctx context.Context) ([]domain.Score, error) {
		scores, err := s.store.ItemScores(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("getting item scores: %w", err)
		}
		return scores, nil
	})
}

// Player returns a player profile
func (s *LeaderboardService) Player(ctx context.Context, playerID string) (*PlayerProfile, error) {
	if playerID == "" {
		return nil, domain.ErrInvalidRequest
	}

	key := cache.NewKey(cache.NamespacePlayer).With("id", playerID)
	return cache.GetOrCompute(ctx, s.cache, key, 0, func(ctx context.Context) (*PlayerProfile, error) {
		player, err := s.store.GetPlayer(ctx, playerID)
		if err != nil {
			return nil, err
		}
		scores, err := s.store.PlayerScores(ctx, playerID)
		if err != nil {
			return nil, fmt.Errorf("getting player scores: %w", err)
		}
		return &PlayerProfile{Player: player, Scores: scores}, nil
	})
}

// Stats returns population-wide counts
func (s *LeaderboardService) Stats(ctx context.Context) (*domain.GlobalStats, error) {
	key := cache.NewKey(cache.NamespaceStats)
	return cache.GetOrCompute(ctx, s.cache, key, 0, func(ctx context.Context) (*domain.GlobalStats, error) {
		stats, err := s.store.GlobalStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}
		return stats, nil
	})
}

// InvalidationHook drops every cached view a committed reconciliation may
// have changed: the item's score list, the ranking and stats namespaces and
// the profile of each player entering or leaving the item's score set
func (s *LeaderboardService) InvalidationHook() reconcile.Hook {
	return reconcile.HookFunc(func(ctx context.Context, change reconcile.Change) error {
		keys := []cache.Key{
			cache.NewKey(cache.NamespaceItemScores).With("item", change.Item.ID),
			cache.NewKey(cache.NamespaceRankings),
			cache.NewKey(cache.NamespaceStats),
		}
		for _, id := range change.PlayerIDs() {
			keys = append(keys, cache.NewKey(cache.NamespacePlayer).With("id", id))
		}
		s.cache.InvalidateAll(ctx, keys...)
		return nil
	})
}

// OnRegister invalidates ranking and stats views after a registration.
// Its signature matches the discovery engine's register hook.
func (s *LeaderboardService) OnRegister(ctx context.Context, c domain.Candidate, firstTime bool) {
	keys := []cache.Key{
		cache.NewKey(cache.NamespaceRankings),
		cache.NewKey(cache.NamespaceStats),
		cache.NewKey(cache.NamespacePlayer).With("id", c.PlayerID),
	}
	s.cache.InvalidateAll(ctx, keys...)
	if firstTime {
		s.logger.Debug("invalidated views for new player", "player_id", c.PlayerID)
	}
}
