package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/leaderboard-sync/internal/domain"
)

// ReplaceItemScores atomically replaces an item's score set. It upserts the
// item row, deletes every score of the item and inserts the new set. Players
// referenced by the new set are created as stubs when missing. The returned
// Replacement holds the deleted set's rank-1 player and all of its players.
func (r *Repository) ReplaceItemScores(ctx context.Context, item domain.ItemRecord, scores []domain.Score) (domain.Replacement, error) {
	var replaced domain.Replacement
	now := time.Now()

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := upsertItem(ctx, tx, item, now); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `DELETE FROM scores WHERE item_id = $1 RETURNING player_id, rank`, item.ID)
		if err != nil {
			return fmt.Errorf("deleting scores: %w", err)
		}
		var playerID string
		var rank int
		_, err = pgx.ForEachRow(rows, []any{&playerID, &rank}, func() error {
			replaced.PreviousPlayers = append(replaced.PreviousPlayers, playerID)
			if rank == 1 {
				replaced.PreviousTop = playerID
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("deleting scores: %w", err)
		}

		batch := &pgx.Batch{}
		for _, s := range scores {
			batch.Queue(`
				INSERT INTO players (id, username, last_seen_at, created_at, updated_at)
				VALUES ($1, $2, $3, $3, $3)
				ON CONFLICT (id) DO NOTHING
			`, s.PlayerID, s.Username, now)
		}
		for _, s := range scores {
			mods := s.Mods
			if mods == nil {
				mods = []string{}
			}
			batch.Queue(`
				INSERT INTO scores (item_id, player_id, rank, score, accuracy, mods, performance, max_combo, played_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, item.ID, s.PlayerID, s.Rank, s.Score, s.Accuracy, mods, s.Performance, s.MaxCombo, nullTime(s.PlayedAt), now)
		}

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("inserting scores: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return domain.Replacement{}, fmt.Errorf("%w: replacing scores for item %s: %v", domain.ErrPersistence, item.ID, err)
	}
	return replaced, nil
}

func upsertItem(ctx context.Context, tx pgx.Tx, item domain.ItemRecord, now time.Time) error {
	var artist, creator, status *string
	var difficulty *float64
	var length *int
	if m := item.Metadata; m != nil {
		artist, creator, status = &m.Artist, &m.Creator, &m.Status
		difficulty, length = &m.Difficulty, &m.LengthSeconds
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO items (id, label, weight, artist, creator, difficulty, length_seconds, status, reconciled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			weight = CASE WHEN EXCLUDED.weight > 0 THEN EXCLUDED.weight ELSE items.weight END,
			artist = COALESCE(EXCLUDED.artist, items.artist),
			creator = COALESCE(EXCLUDED.creator, items.creator),
			difficulty = COALESCE(EXCLUDED.difficulty, items.difficulty),
			length_seconds = COALESCE(EXCLUDED.length_seconds, items.length_seconds),
			status = COALESCE(EXCLUDED.status, items.status),
			reconciled_at = EXCLUDED.reconciled_at
	`, item.ID, item.Label, item.Weight, artist, creator, difficulty, length, status, now)
	if err != nil {
		return fmt.Errorf("upserting item: %w", err)
	}
	return nil
}

// TouchItem marks an already stored item as reconciled without changing its scores
func (r *Repository) TouchItem(ctx context.Context, itemID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE items SET reconciled_at = $2 WHERE id = $1`, itemID, time.Now())
	if err != nil {
		return fmt.Errorf("touching item: %w", err)
	}
	return nil
}

// StaleItems returns stored items ordered by oldest reconciliation first
func (r *Repository) StaleItems(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, label, weight
		FROM items
		ORDER BY reconciled_at ASC NULLS FIRST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale items: %w", err)
	}
	return scanItems(rows)
}

// PopularItems returns stored items with the most tracked scores
func (r *Repository) PopularItems(ctx context.Context, limit int) ([]domain.Item, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, i.label, i.weight
		FROM items i
		JOIN scores s ON s.item_id = i.id
		GROUP BY i.id, i.label, i.weight
		ORDER BY COUNT(*) DESC, i.weight DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing popular items: %w", err)
	}
	return scanItems(rows)
}

func scanItems(rows pgx.Rows) ([]domain.Item, error) {
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ID, &item.Label, &item.Weight); err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ItemScores returns an item's stored scores ordered by rank
func (r *Repository) ItemScores(ctx context.Context, itemID string) ([]domain.Score, error) {
	return r.queryScores(ctx, `
		SELECT s.item_id, s.player_id, p.username, s.rank, s.score, s.accuracy, s.mods,
			s.performance, s.max_combo, COALESCE(s.played_at, s.updated_at), s.updated_at
		FROM scores s
		JOIN players p ON p.id = s.player_id
		WHERE s.item_id = $1
		ORDER BY s.rank ASC
	`, itemID)
}

// PlayerScores returns every stored score of a player
func (r *Repository) PlayerScores(ctx context.Context, playerID string) ([]domain.Score, error) {
	return r.queryScores(ctx, `
		SELECT s.item_id, s.player_id, p.username, s.rank, s.score, s.accuracy, s.mods,
			s.performance, s.max_combo, COALESCE(s.played_at, s.updated_at), s.updated_at
		FROM scores s
		JOIN players p ON p.id = s.player_id
		WHERE s.player_id = $1
		ORDER BY s.performance DESC
	`, playerID)
}

func (r *Repository) queryScores(ctx context.Context, query string, arg string) ([]domain.Score, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying scores: %w", err)
	}
	defer rows.Close()

	var scores []domain.Score
	for rows.Next() {
		var s domain.Score
		err := rows.Scan(
			&s.ItemID,
			&s.PlayerID,
			&s.Username,
			&s.Rank,
			&s.Score,
			&s.Accuracy,
			&s.Mods,
			&s.Performance,
			&s.MaxCombo,
			&s.PlayedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// GlobalStats returns table-level counts for the dashboard
func (r *Repository) GlobalStats(ctx context.Context) (*domain.GlobalStats, error) {
	var stats domain.GlobalStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM players),
			(SELECT COUNT(*) FROM players WHERE active),
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM scores)
	`).Scan(&stats.Players, &stats.ActivePlayers, &stats.Items, &stats.Scores)
	if err != nil {
		return nil, fmt.Errorf("getting global stats: %w", err)
	}
	return &stats, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
