package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/leaderboard-sync/internal/domain"
)

// GetCursor reads a named progress value. The bool is false when unset.
func (r *Repository) GetCursor(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM sync_cursors WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: reading cursor %s: %v", domain.ErrPersistence, key, err)
	}
	return value, true, nil
}

// SetCursor durably stores a named progress value
func (r *Repository) SetCursor(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_cursors (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("%w: writing cursor %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

// EnqueueDeepFetch schedules a history fetch. An existing job is left untouched.
func (r *Repository) EnqueueDeepFetch(ctx context.Context, playerID string, dueAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO deep_fetch_queue (player_id, due_at)
		VALUES ($1, $2)
		ON CONFLICT (player_id) DO NOTHING
	`, playerID, dueAt)
	if err != nil {
		return fmt.Errorf("enqueueing deep fetch: %w", err)
	}
	return nil
}

// DueDeepFetches returns jobs whose due time has passed
func (r *Repository) DueDeepFetches(ctx context.Context, now time.Time, limit int) ([]domain.DeepFetchJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT player_id, due_at, attempts
		FROM deep_fetch_queue
		WHERE due_at <= $1
		ORDER BY due_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying deep fetches: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DeepFetchJob
	for rows.Next() {
		var job domain.DeepFetchJob
		if err := rows.Scan(&job.PlayerID, &job.DueAt, &job.Attempts); err != nil {
			return nil, fmt.Errorf("scanning deep fetch: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CompleteDeepFetch removes a job from the queue
func (r *Repository) CompleteDeepFetch(ctx context.Context, playerID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM deep_fetch_queue WHERE player_id = $1`, playerID)
	if err != nil {
		return fmt.Errorf("completing deep fetch: %w", err)
	}
	return nil
}

// RetryDeepFetch records a failed attempt and pushes the job back
func (r *Repository) RetryDeepFetch(ctx context.Context, playerID string, dueAt time.Time, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE deep_fetch_queue
		SET attempts = attempts + 1, due_at = $2, last_error = $3
		WHERE player_id = $1
	`, playerID, dueAt, reason)
	if err != nil {
		return fmt.Errorf("rescheduling deep fetch: %w", err)
	}
	return nil
}
