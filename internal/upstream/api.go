package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/leaderboard-sync/internal/domain"
)

type itemsPage struct {
	Items []domain.Item `json:"items"`
}

type scoresPage struct {
	Scores []domain.UpstreamScore `json:"scores"`
}

type playerProfile struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	CountryCode string  `json:"country_code"`
	AvatarURL   string  `json:"avatar_url"`
	GlobalRank  int     `json:"global_rank"`
	CountryRank int     `json:"country_rank"`
	Performance float64 `json:"performance"`
}

type playersPage struct {
	Players []playerProfile `json:"players"`
}

type matchesPage struct {
	Matches []domain.Match `json:"matches"`
}

func (p playerProfile) candidate() domain.Candidate {
	return domain.Candidate{
		PlayerID:    p.ID,
		Username:    p.Username,
		CountryCode: p.CountryCode,
		AvatarURL:   p.AvatarURL,
		GlobalRank:  p.GlobalRank,
		CountryRank: p.CountryRank,
		Performance: p.Performance,
	}
}

func candidates(players []playerProfile) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(players))
	for _, p := range players {
		out = append(out, p.candidate())
	}
	return out
}

func pageQuery(page int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	return q
}

// ListItems returns one page of the item listing
func (c *Client) ListItems(ctx context.Context, page int) ([]domain.Item, error) {
	var resp itemsPage
	if err := c.getJSON(ctx, "/items", pageQuery(page), &resp); err != nil {
		return nil, fmt.Errorf("listing items page %d: %w", page, err)
	}
	return resp.Items, nil
}

// ItemScores returns the item's current score list in upstream order
func (c *Client) ItemScores(ctx context.Context, itemID string) ([]domain.UpstreamScore, error) {
	var resp scoresPage
	if err := c.getJSON(ctx, "/items/"+url.PathEscape(itemID)+"/scores", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching scores for item %s: %w", itemID, err)
	}
	return resp.Scores, nil
}

// ItemMetadata returns descriptive data for an item
func (c *Client) ItemMetadata(ctx context.Context, itemID string) (*domain.ItemMetadata, error) {
	var meta domain.ItemMetadata
	if err := c.getJSON(ctx, "/items/"+url.PathEscape(itemID), nil, &meta); err != nil {
		return nil, fmt.Errorf("fetching metadata for item %s: %w", itemID, err)
	}
	return &meta, nil
}

// RankedPlayers returns one page of the performance ranking filtered by country
func (c *Client) RankedPlayers(ctx context.Context, country string, page int) ([]domain.Candidate, error) {
	q := pageQuery(page)
	if country != "" {
		q.Set("country", country)
	}
	var resp playersPage
	if err := c.getJSON(ctx, "/rankings/performance", q, &resp); err != nil {
		return nil, fmt.Errorf("fetching rankings page %d: %w", page, err)
	}
	return candidates(resp.Players), nil
}

// SearchPlayers runs a free-text player search
func (c *Client) SearchPlayers(ctx context.Context, query string, page int) ([]domain.Candidate, error) {
	q := pageQuery(page)
	q.Set("query", query)
	var resp playersPage
	if err := c.getJSON(ctx, "/search/players", q, &resp); err != nil {
		return nil, fmt.Errorf("searching players %q: %w", query, err)
	}
	return candidates(resp.Players), nil
}

// RecentMatches returns one page of the group/match listing
func (c *Client) RecentMatches(ctx context.Context, page int) ([]domain.Match, error) {
	var resp matchesPage
	if err := c.getJSON(ctx, "/matches", pageQuery(page), &resp); err != nil {
		return nil, fmt.Errorf("listing matches page %d: %w", page, err)
	}
	return resp.Matches, nil
}

// MatchPlayers returns the participants of a match
func (c *Client) MatchPlayers(ctx context.Context, matchID string) ([]domain.Candidate, error) {
	var resp playersPage
	if err := c.getJSON(ctx, "/matches/"+url.PathEscape(matchID), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching match %s: %w", matchID, err)
	}
	return candidates(resp.Players), nil
}

// PlayerBestScores returns a player's historical best results, each carrying its item
func (c *Client) PlayerBestScores(ctx context.Context, playerID string, limit, offset int) ([]domain.UpstreamScore, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var resp scoresPage
	if err := c.getJSON(ctx, "/players/"+url.PathEscape(playerID)+"/scores/best", q, &resp); err != nil {
		return nil, fmt.Errorf("fetching best scores for player %s: %w", playerID, err)
	}
	return resp.Scores, nil
}
