package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/leaderboard-sync/internal/domain"
)

const playerColumns = `
	id, username, country_code, avatar_url, global_rank, country_rank, performance, active,
	score_count, average_rank, best_score, total_performance, weighted_performance,
	first_places, top_ten_places, last_seen_at, created_at, updated_at`

func scanPlayer(row pgx.Row) (*domain.Player, error) {
	var p domain.Player
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.CountryCode,
		&p.AvatarURL,
		&p.GlobalRank,
		&p.CountryRank,
		&p.Performance,
		&p.Active,
		&p.Stats.ScoreCount,
		&p.Stats.AverageRank,
		&p.Stats.BestScore,
		&p.Stats.TotalPerformance,
		&p.Stats.WeightedPerformance,
		&p.Stats.FirstPlaces,
		&p.Stats.TopTenPlaces,
		&p.LastSeenAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning player: %w", err)
	}
	return &p, nil
}

// GetPlayer retrieves a player by ID
func (r *Repository) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1`, playerID)
	return scanPlayer(row)
}

// FindPlayer matches a player by id or case-insensitive username
func (r *Repository) FindPlayer(ctx context.Context, playerID, username string) (*domain.Player, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+playerColumns+`
		FROM players
		WHERE id = $1 OR LOWER(username) = LOWER($2)
		ORDER BY (id = $1) DESC
		LIMIT 1
	`, playerID, username)
	return scanPlayer(row)
}

// UpsertPlayer creates or refreshes a player's profile and reactivates it
func (r *Repository) UpsertPlayer(ctx context.Context, c domain.Candidate, seenAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO players (id, username, country_code, avatar_url, global_rank, country_rank, performance, active, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			country_code = CASE WHEN EXCLUDED.country_code <> '' THEN EXCLUDED.country_code ELSE players.country_code END,
			avatar_url = CASE WHEN EXCLUDED.avatar_url <> '' THEN EXCLUDED.avatar_url ELSE players.avatar_url END,
			global_rank = CASE WHEN EXCLUDED.global_rank > 0 THEN EXCLUDED.global_rank ELSE players.global_rank END,
			country_rank = CASE WHEN EXCLUDED.country_rank > 0 THEN EXCLUDED.country_rank ELSE players.country_rank END,
			performance = CASE WHEN EXCLUDED.performance > 0 THEN EXCLUDED.performance ELSE players.performance END,
			active = TRUE,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at
	`, c.PlayerID, c.Username, c.CountryCode, c.AvatarURL, c.GlobalRank, c.CountryRank, c.Performance, seenAt)
	if err != nil {
		return fmt.Errorf("%w: upserting player %s: %v", domain.ErrPersistence, c.PlayerID, err)
	}
	return nil
}

// UpdatePlayerStats overwrites a player's derived aggregates
func (r *Repository) UpdatePlayerStats(ctx context.Context, playerID string, stats domain.PlayerStats) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE players SET
			score_count = $2,
			average_rank = $3,
			best_score = $4,
			total_performance = $5,
			weighted_performance = $6,
			first_places = $7,
			top_ten_places = $8,
			updated_at = NOW()
		WHERE id = $1
	`, playerID, stats.ScoreCount, stats.AverageRank, stats.BestScore,
		stats.TotalPerformance, stats.WeightedPerformance, stats.FirstPlaces, stats.TopTenPlaces)
	if err != nil {
		return fmt.Errorf("%w: updating stats for %s: %v", domain.ErrPersistence, playerID, err)
	}
	return nil
}

// DeactivateInactive soft-disables active players not seen since before
func (r *Repository) DeactivateInactive(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE players SET active = FALSE, updated_at = NOW()
		WHERE active AND last_seen_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("deactivating players: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Rankings returns active players ordered by weighted performance
func (r *Repository) Rankings(ctx context.Context, limit, offset int) ([]domain.RankingEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, username, weighted_performance, score_count, first_places
		FROM players
		WHERE active AND score_count > 0
		ORDER BY weighted_performance DESC, id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying rankings: %w", err)
	}
	defer rows.Close()

	var entries []domain.RankingEntry
	rank := offset
	for rows.Next() {
		var e domain.RankingEntry
		if err := rows.Scan(&e.PlayerID, &e.Username, &e.WeightedPerformance, &e.ScoreCount, &e.FirstPlaces); err != nil {
			return nil, fmt.Errorf("scanning ranking: %w", err)
		}
		rank++
		e.Rank = rank
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogDiscovery appends a discovery audit record
func (r *Repository) LogDiscovery(ctx context.Context, rec domain.DiscoveryRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO discovery_log (player_id, username, source, first_time, discovered_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.PlayerID, rec.Username, rec.Source, rec.FirstTime, rec.DiscoveredAt)
	if err != nil {
		return fmt.Errorf("logging discovery: %w", err)
	}
	return nil
}
