package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/leaderboard-sync/internal/domain"
)

// Strategy names
const (
	StrategyRanking      = "ranking"
	StrategyPopularItems = "popular_items"
	StrategySearch       = "search"
	StrategyMatches      = "matches"
)

// Strategy produces candidates from one upstream surface. Any error
// discards the strategy's candidates for the pass.
type Strategy interface {
	Name() string
	Candidates(ctx context.Context) ([]domain.Candidate, error)
}

func tracked(c domain.Candidate, country string) bool {
	return country == "" || strings.EqualFold(c.CountryCode, country)
}

func appendTracked(dst []domain.Candidate, src []domain.Candidate, country string) []domain.Candidate {
	for _, c := range src {
		if tracked(c, country) {
			dst = append(dst, c)
		}
	}
	return dst
}

// rankingStrategy walks the country performance ranking
type rankingStrategy struct {
	upstream Upstream
	country  string
	pages    int
}

func (s *rankingStrategy) Name() string { return StrategyRanking }

func (s *rankingStrategy) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	var out []domain.Candidate
	for page := 1; page <= s.pages; page++ {
		players, err := s.upstream.RankedPlayers(ctx, s.country, page)
		if err != nil {
			return nil, err
		}
		if len(players) == 0 {
			break
		}
		for _, p := range players {
			if p.CountryCode == "" {
				p.CountryCode = s.country
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// popularItemsStrategy scans score lists of the most tracked items
type popularItemsStrategy struct {
	upstream Upstream
	store    Store
	country  string
	limit    int
}

func (s *popularItemsStrategy) Name() string { return StrategyPopularItems }

func (s *popularItemsStrategy) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	if s.limit <= 0 {
		return nil, nil
	}
	items, err := s.store.PopularItems(ctx, s.limit)
	if err != nil {
		return nil, fmt.Errorf("listing popular items: %w", err)
	}

	var out []domain.Candidate
	for _, item := range items {
		scores, err := s.upstream.ItemScores(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		for _, sc := range scores {
			c := domain.Candidate{
				PlayerID:    sc.Player.ID,
				Username:    sc.Player.Username,
				CountryCode: sc.Player.CountryCode,
				AvatarURL:   sc.Player.AvatarURL,
			}
			if tracked(c, s.country) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// searchStrategy runs the configured free-text queries
type searchStrategy struct {
	upstream Upstream
	country  string
	queries  []string
}

func (s *searchStrategy) Name() string { return StrategySearch }

func (s *searchStrategy) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	var out []domain.Candidate
	for _, q := range s.queries {
		players, err := s.upstream.SearchPlayers(ctx, q, 1)
		if err != nil {
			return nil, err
		}
		out = appendTracked(out, players, s.country)
	}
	return out, nil
}

// matchesStrategy collects participants of recent matches
type matchesStrategy struct {
	upstream Upstream
	country  string
	pages    int
}

func (s *matchesStrategy) Name() string { return StrategyMatches }

func (s *matchesStrategy) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	var out []domain.Candidate
	for page := 1; page <= s.pages; page++ {
		matches, err := s.upstream.RecentMatches(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			break
		}
		for _, m := range matches {
			players, err := s.upstream.MatchPlayers(ctx, m.ID)
			if err != nil {
				return nil, err
			}
			out = appendTracked(out, players, s.country)
		}
	}
	return out, nil
}
