package reconcile

import (
	"context"
	"time"

	"github.com/leaderboard-sync/internal/domain"
)

// Change describes a committed reconciliation
type Change struct {
	Item            domain.Item
	Scores          []domain.Score
	PreviousTop     string
	PreviousPlayers []string
	NewTop          *domain.NewTopScore
	Matched         int
	Total           int
}

// PlayerIDs returns the distinct players of the new score set followed by
// those that dropped out of it
func (c Change) PlayerIDs() []string {
	ids := make([]string, 0, len(c.Scores)+len(c.PreviousPlayers))
	seen := make(map[string]struct{}, cap(ids))
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, s := range c.Scores {
		add(s.PlayerID)
	}
	for _, id := range c.PreviousPlayers {
		add(id)
	}
	return ids
}

// Hook runs after a reconciliation commits. Errors and panics are logged
// and never stop later hooks.
type Hook interface {
	AfterCommit(ctx context.Context, change Change) error
}

// HookFunc adapts a function to Hook
type HookFunc func(ctx context.Context, change Change) error

// AfterCommit calls f
func (f HookFunc) AfterCommit(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Publisher delivers change events
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// EventHook publishes scores_updated for every change and new_top_score
// when the rank-1 holder changed
func EventHook(pub Publisher) Hook {
	return HookFunc(func(ctx context.Context, change Change) error {
		now := time.Now()
		pub.Publish(ctx, domain.Event{
			Type:   domain.EventScoresUpdated,
			ItemID: change.Item.ID,
			Data: map[string]any{
				"label":   change.Item.Label,
				"matched": change.Matched,
				"total":   change.Total,
			},
			Timestamp: now,
		})
		if change.NewTop != nil {
			pub.Publish(ctx, domain.Event{
				Type:      domain.EventNewTopScore,
				ItemID:    change.Item.ID,
				PlayerID:  change.NewTop.PlayerID,
				Data:      change.NewTop,
				Timestamp: now,
			})
		}
		return nil
	})
}
