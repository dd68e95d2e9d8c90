package domain

import (
	"strings"
	"time"
)

// Player represents a tracked player. Stats are derived from the score set
// and only ever written by a recomputation.
type Player struct {
	ID          string      `json:"id"`
	Username    string      `json:"username"`
	CountryCode string      `json:"country_code"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	GlobalRank  int         `json:"global_rank,omitempty"`
	CountryRank int         `json:"country_rank,omitempty"`
	Performance float64     `json:"performance,omitempty"`
	Active      bool        `json:"active"`
	Stats       PlayerStats `json:"stats"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PlayerStats holds the aggregates derived from a player's scores
type PlayerStats struct {
	ScoreCount          int     `json:"score_count"`
	AverageRank         float64 `json:"average_rank"`
	BestScore           int64   `json:"best_score"`
	TotalPerformance    float64 `json:"total_performance"`
	WeightedPerformance float64 `json:"weighted_performance"`
	FirstPlaces         int     `json:"first_places"`
	TopTenPlaces        int     `json:"top_ten_places"`
}

// Candidate is a player payload produced by a discovery channel
type Candidate struct {
	PlayerID    string  `json:"player_id"`
	Username    string  `json:"username"`
	CountryCode string  `json:"country_code,omitempty"`
	AvatarURL   string  `json:"avatar_url,omitempty"`
	GlobalRank  int     `json:"global_rank,omitempty"`
	CountryRank int     `json:"country_rank,omitempty"`
	Performance float64 `json:"performance,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// Valid reports whether the candidate carries enough identity to register
func (c Candidate) Valid() bool {
	return c.PlayerID != "" && strings.TrimSpace(c.Username) != ""
}

// DiscoveryRecord is an append-only audit entry of a registration
type DiscoveryRecord struct {
	PlayerID     string    `json:"player_id"`
	Username     string    `json:"username"`
	Source       string    `json:"source"`
	FirstTime    bool      `json:"first_time"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DeepFetchJob is a pending one-time history fetch for a new player
type DeepFetchJob struct {
	PlayerID string    `json:"player_id"`
	DueAt    time.Time `json:"due_at"`
	Attempts int       `json:"attempts"`
}

// RankingEntry is one row of the derived player ranking
type RankingEntry struct {
	Rank                int     `json:"rank"`
	PlayerID            string  `json:"player_id"`
	Username            string  `json:"username"`
	WeightedPerformance float64 `json:"weighted_performance"`
	ScoreCount          int     `json:"score_count"`
	FirstPlaces         int     `json:"first_places"`
}

// GlobalStats holds store-wide counters
type GlobalStats struct {
	Players       int64 `json:"players"`
	ActivePlayers int64 `json:"active_players"`
	Items         int64 `json:"items"`
	Scores        int64 `json:"scores"`
}
