package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

// ScoreSource fetches an item's upstream data
type ScoreSource interface {
	ItemScores(ctx context.Context, itemID string) ([]domain.UpstreamScore, error)
	ItemMetadata(ctx context.Context, itemID string) (*domain.ItemMetadata, error)
}

// Store is the persistence the reconciler writes through
type Store interface {
	ReplaceItemScores(ctx context.Context, item domain.ItemRecord, scores []domain.Score) (domain.Replacement, error)
	TouchItem(ctx context.Context, itemID string) error
	PlayerScores(ctx context.Context, playerID string) ([]domain.Score, error)
	UpdatePlayerStats(ctx context.Context, playerID string, stats domain.PlayerStats) error
}

// Registrar registers players seen in a tracked score set
type Registrar interface {
	Register(ctx context.Context, c domain.Candidate) (bool, error)
}

// PostProcessor runs derived scoring for players after their aggregates change
type PostProcessor interface {
	Process(ctx context.Context, playerIDs []string) error
}

// Membership selects the tracked population
type Membership func(p domain.UpstreamPlayer) bool

// CountryMembership tracks players whose country code matches code
func CountryMembership(code string) Membership {
	return func(p domain.UpstreamPlayer) bool {
		return strings.EqualFold(p.CountryCode, code)
	}
}

// Reconciler replaces an item's stored score set with fresh upstream data
type Reconciler struct {
	source    ScoreSource
	store     Store
	tracked   Membership
	registrar Registrar
	post      PostProcessor
	hooks     []Hook
	locks     *keyedMutex
	logger    *slog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(source ScoreSource, store Store, tracked Membership, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		source:  source,
		store:   store,
		tracked: tracked,
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

// SetRegistrar registers every tracked player before their scores are written
func (r *Reconciler) SetRegistrar(reg Registrar) {
	r.registrar = reg
}

// SetPostProcessor sets the hook run after aggregates are recomputed
func (r *Reconciler) SetPostProcessor(p PostProcessor) {
	r.post = p
}

// AddHook appends a post-commit hook. Hooks run in order.
func (r *Reconciler) AddHook(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Reconcile fetches the item's scores, filters them to the tracked
// population and atomically replaces the stored set. An empty filtered set
// leaves stored scores untouched.
func (r *Reconciler) Reconcile(ctx context.Context, item domain.Item) (domain.ReconcileResult, error) {
	unlock := r.locks.Lock(item.ID)
	defer unlock()

	upstream, err := r.source.ItemScores(ctx, item.ID)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return domain.ReconcileResult{}, fmt.Errorf("reconciling item %s: %w", item.ID, err)
	}

	meta, err := r.source.ItemMetadata(ctx, item.ID)
	if err != nil {
		r.logger.Debug("item metadata unavailable", "item_id", item.ID, "error", err)
		meta = nil
	}
	if item.Label == "" && meta != nil {
		item.Label = meta.Label
	}

	filtered := r.filter(upstream)
	result := domain.ReconcileResult{Matched: len(filtered), Total: len(upstream)}

	if len(filtered) == 0 {
		if err := r.store.TouchItem(ctx, item.ID); err != nil {
			r.logger.Warn("marking item reconciled", "item_id", item.ID, "error", err)
		}
		metrics.Reconciliations.WithLabelValues("empty").Inc()
		return result, nil
	}

	if r.registrar != nil {
		for _, s := range filtered {
			c := domain.Candidate{
				PlayerID:    s.Player.ID,
				Username:    s.Player.Username,
				CountryCode: s.Player.CountryCode,
				AvatarURL:   s.Player.AvatarURL,
				Source:      "scan",
			}
			if _, err := r.registrar.Register(ctx, c); err != nil {
				r.logger.Warn("registering score holder", "item_id", item.ID, "player_id", c.PlayerID, "error", err)
			}
		}
	}

	scores := RankScores(item.ID, filtered)
	replaced, err := r.store.ReplaceItemScores(ctx, domain.ItemRecord{Item: item, Metadata: meta}, scores)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return result, fmt.Errorf("reconciling item %s: %w", item.ID, err)
	}
	metrics.Reconciliations.WithLabelValues("written").Inc()

	change := Change{
		Item:            item,
		Scores:          scores,
		PreviousTop:     replaced.PreviousTop,
		PreviousPlayers: replaced.PreviousPlayers,
		Matched:         result.Matched,
		Total:           result.Total,
	}
	if top, previousTop := scores[0], replaced.PreviousTop; previousTop != "" && previousTop != top.PlayerID {
		metrics.NewTopScores.Inc()
		change.NewTop = &domain.NewTopScore{
			ItemID:           item.ID,
			ItemLabel:        item.Label,
			PlayerID:         top.PlayerID,
			Username:         top.Username,
			PreviousPlayerID: previousTop,
			Score:            top.Score,
		}
	}

	r.afterCommit(ctx, change)

	r.logger.Debug("item reconciled",
		"item_id", item.ID,
		"matched", result.Matched,
		"total", result.Total,
		"new_top", change.NewTop != nil,
	)
	return result, nil
}

func (r *Reconciler) filter(upstream []domain.UpstreamScore) []domain.UpstreamScore {
	seen := make(map[string]struct{}, len(upstream))
	filtered := make([]domain.UpstreamScore, 0, len(upstream))
	for _, s := range upstream {
		if s.Player.ID == "" || (r.tracked != nil && !r.tracked(s.Player)) {
			continue
		}
		if _, dup := seen[s.Player.ID]; dup {
			continue
		}
		seen[s.Player.ID] = struct{}{}
		filtered = append(filtered, s)
	}
	return filtered
}

// RankScores converts upstream-ordered scores to stored rows ranked 1..N
func RankScores(itemID string, upstream []domain.UpstreamScore) []domain.Score {
	scores := make([]domain.Score, len(upstream))
	for i, s := range upstream {
		scores[i] = domain.Score{
			ItemID:      itemID,
			PlayerID:    s.Player.ID,
			Username:    s.Player.Username,
			Rank:        i + 1,
			Score:       s.Score,
			Accuracy:    s.Accuracy,
			Mods:        s.Mods,
			Performance: s.Performance,
			MaxCombo:    s.MaxCombo,
			PlayedAt:    s.CreatedAt,
		}
	}
	return scores
}

func (r *Reconciler) afterCommit(ctx context.Context, change Change) {
	players := change.PlayerIDs()
	for _, id := range players {
		if err := r.RefreshPlayer(ctx, id); err != nil {
			r.logger.Warn("recomputing player aggregates", "player_id", id, "error", err)
		}
	}

	if r.post != nil {
		r.isolate("post_processor", func() error { return r.post.Process(ctx, players) })
	}

	for i, h := range r.hooks {
		r.isolate(fmt.Sprintf("hook_%d", i), func() error { return h.AfterCommit(ctx, change) })
	}
}

func (r *Reconciler) isolate(name string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("post-commit step panicked", "step", name, "panic", rec)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Warn("post-commit step failed", "step", name, "error", err)
	}
}

// RefreshPlayer recomputes a player's aggregates from their stored scores
func (r *Reconciler) RefreshPlayer(ctx context.Context, playerID string) error {
	scores, err := r.store.PlayerScores(ctx, playerID)
	if err != nil {
		return fmt.Errorf("loading scores for %s: %w", playerID, err)
	}
	return r.store.UpdatePlayerStats(ctx, playerID, ComputeStats(scores))
}
