package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

const deepFetchBatch = 10

// DeepFetchWorker drains the persistent deep-fetch queue
type DeepFetchWorker struct {
	engine *Engine
}

// DeepFetchWorker returns the queue worker bound to this engine
func (e *Engine) DeepFetchWorker() *DeepFetchWorker {
	return &DeepFetchWorker{engine: e}
}

// Serve polls for due jobs until ctx is cancelled
func (w *DeepFetchWorker) Serve(ctx context.Context) error {
	poll := w.engine.config.DeepFetchPoll
	if poll <= 0 {
		poll = 15 * time.Second
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.engine.ProcessDue(ctx); err != nil && ctx.Err() == nil {
				w.engine.logger.Error("processing deep fetch queue", "error", err)
			}
		}
	}
}

// String identifies the service in supervisor logs
func (w *DeepFetchWorker) String() string {
	return "deep-fetch-worker"
}

// ProcessDue runs every due deep fetch and returns how many completed
func (e *Engine) ProcessDue(ctx context.Context) (int, error) {
	jobs, err := e.store.DueDeepFetches(ctx, e.now(), deepFetchBatch)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		if err := e.DeepFetch(ctx, job.PlayerID); err != nil {
			e.reschedule(ctx, job, err)
			continue
		}
		if err := e.store.CompleteDeepFetch(ctx, job.PlayerID); err != nil {
			e.logger.Warn("failed to complete deep fetch", "player_id", job.PlayerID, "error", err)
		}
		metrics.DeepFetches.WithLabelValues("ok").Inc()
		completed++
	}
	return completed, nil
}

func (e *Engine) reschedule(ctx context.Context, job domain.DeepFetchJob, cause error) {
	maxAttempts := e.config.DeepFetchMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	if job.Attempts+1 >= maxAttempts {
		metrics.DeepFetches.WithLabelValues("dropped").Inc()
		e.logger.Warn("dropping deep fetch after repeated failures",
			"player_id", job.PlayerID,
			"attempts", job.Attempts+1,
			"error", cause,
		)
		if err := e.store.CompleteDeepFetch(ctx, job.PlayerID); err != nil {
			e.logger.Warn("failed to drop deep fetch", "player_id", job.PlayerID, "error", err)
		}
		return
	}

	delay := e.config.DeepFetchDelay
	if delay <= 0 {
		delay = time.Minute
	}
	delay <<= job.Attempts

	metrics.DeepFetches.WithLabelValues("retry").Inc()
	e.logger.Warn("deep fetch failed, rescheduling", "player_id", job.PlayerID, "retry_in", delay, "error", cause)
	if err := e.store.RetryDeepFetch(ctx, job.PlayerID, e.now().Add(delay), cause.Error()); err != nil {
		e.logger.Warn("failed to reschedule deep fetch", "player_id", job.PlayerID, "error", err)
	}
}

// DeepFetch pulls a player's historical best results and reconciles each
// distinct item through the shared rate-limited path, then recomputes the
// player's aggregates
func (e *Engine) DeepFetch(ctx context.Context, playerID string) error {
	if e.reconciler == nil {
		return errors.New("deep fetch requires a reconciler")
	}

	limit := e.config.DeepFetchLimit
	if limit <= 0 {
		limit = 100
	}

	scores, err := e.upstream.PlayerBestScores(ctx, playerID, limit, 0)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(scores))
	reconciled, failed := 0, 0
	for _, s := range scores {
		if s.Item == nil || s.Item.ID == "" {
			continue
		}
		if _, dup := seen[s.Item.ID]; dup {
			continue
		}
		seen[s.Item.ID] = struct{}{}

		if _, err := e.reconciler.Reconcile(ctx, *s.Item); err != nil {
			if errors.Is(err, domain.ErrAuthFailure) || ctx.Err() != nil {
				return fmt.Errorf("deep fetch for %s: %w", playerID, err)
			}
			failed++
			e.logger.Warn("deep fetch item failed", "player_id", playerID, "item_id", s.Item.ID, "error", err)
			continue
		}
		reconciled++
	}

	if err := e.reconciler.RefreshPlayer(ctx, playerID); err != nil {
		e.logger.Warn("recomputing aggregates after deep fetch", "player_id", playerID, "error", err)
	}

	e.logger.Info("deep fetch completed",
		"player_id", playerID,
		"items", len(seen),
		"reconciled", reconciled,
		"failed", failed,
	)
	return nil
}
