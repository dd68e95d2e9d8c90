package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

// Upstream is the subset of the API client discovery uses
type Upstream interface {
	RankedPlayers(ctx context.Context, country string, page int) ([]domain.Candidate, error)
	SearchPlayers(ctx context.Context, query string, page int) ([]domain.Candidate, error)
	RecentMatches(ctx context.Context, page int) ([]domain.Match, error)
	MatchPlayers(ctx context.Context, matchID string) ([]domain.Candidate, error)
	ItemScores(ctx context.Context, itemID string) ([]domain.UpstreamScore, error)
	PlayerBestScores(ctx context.Context, playerID string, limit, offset int) ([]domain.UpstreamScore, error)
}

// Store holds players, the discovery log and the deep-fetch queue
type Store interface {
	FindPlayer(ctx context.Context, playerID, username string) (*domain.Player, error)
	UpsertPlayer(ctx context.Context, c domain.Candidate, seenAt time.Time) error
	LogDiscovery(ctx context.Context, rec domain.DiscoveryRecord) error
	PopularItems(ctx context.Context, limit int) ([]domain.Item, error)
	EnqueueDeepFetch(ctx context.Context, playerID string, dueAt time.Time) error
	DueDeepFetches(ctx context.Context, now time.Time, limit int) ([]domain.DeepFetchJob, error)
	CompleteDeepFetch(ctx context.Context, playerID string) error
	RetryDeepFetch(ctx context.Context, playerID string, dueAt time.Time, reason string) error
	DeactivateInactive(ctx context.Context, before time.Time) (int64, error)
}

// Reconciler reconciles items found during a deep fetch
type Reconciler interface {
	Reconcile(ctx context.Context, item domain.Item) (domain.ReconcileResult, error)
	RefreshPlayer(ctx context.Context, playerID string) error
}

// Publisher delivers change events
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// RegisterHook runs after every successful registration
type RegisterHook func(ctx context.Context, c domain.Candidate, firstTime bool)

// Engine discovers tracked players through independent strategies and
// funnels every candidate through one idempotent registration
type Engine struct {
	upstream   Upstream
	store      Store
	reconciler Reconciler
	publisher  Publisher
	hooks      []RegisterHook
	strategies []Strategy
	config     *config.DiscoveryConfig
	country    string
	logger     *slog.Logger
	now        func() time.Time

	regMu   sync.Mutex
	running atomic.Bool
}

// NewEngine creates a discovery engine with the four built-in strategies
func NewEngine(
	upstream Upstream,
	store Store,
	cfg *config.DiscoveryConfig,
	country string,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		upstream: upstream,
		store:    store,
		config:   cfg,
		country:  country,
		logger:   logger,
		now:      time.Now,
	}
	e.strategies = []Strategy{
		&rankingStrategy{upstream: upstream, country: country, pages: cfg.RankingPages},
		&popularItemsStrategy{upstream: upstream, store: store, country: country, limit: cfg.PopularItems},
		&searchStrategy{upstream: upstream, country: country, queries: cfg.SearchQueries},
		&matchesStrategy{upstream: upstream, country: country, pages: cfg.MatchPages},
	}
	return e
}

// SetReconciler sets the reconciler used by deep fetches
func (e *Engine) SetReconciler(r Reconciler) {
	e.reconciler = r
}

// SetPublisher sets where player_discovered events go
func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

// OnRegister appends a registration hook
func (e *Engine) OnRegister(h RegisterHook) {
	e.hooks = append(e.hooks, h)
}

// Strategies returns the strategy names in pass order
func (e *Engine) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// Register upserts a candidate's profile. It reports true only when no
// player matched by id or case-insensitive username. First-time
// registrations are logged, announced and queued for a deep fetch.
func (e *Engine) Register(ctx context.Context, c domain.Candidate) (bool, error) {
	if !c.Valid() {
		return false, fmt.Errorf("%w: candidate requires id and username", domain.ErrInvalidRequest)
	}
	if c.Source == "" {
		c.Source = "manual"
	}
	now := e.now()

	e.regMu.Lock()
	_, err := e.store.FindPlayer(ctx, c.PlayerID, c.Username)
	firstTime := domain.IsNotFoundError(err)
	if err != nil && !firstTime {
		e.regMu.Unlock()
		return false, fmt.Errorf("matching candidate %s: %w", c.PlayerID, err)
	}
	if err := e.store.UpsertPlayer(ctx, c, now); err != nil {
		e.regMu.Unlock()
		return false, fmt.Errorf("registering candidate %s: %w", c.PlayerID, err)
	}
	e.regMu.Unlock()

	metrics.Registrations.WithLabelValues(c.Source, strconv.FormatBool(firstTime)).Inc()
	for _, h := range e.hooks {
		h(ctx, c, firstTime)
	}

	if !firstTime {
		return false, nil
	}

	e.logger.Info("player discovered", "player_id", c.PlayerID, "username", c.Username, "source", c.Source)

	rec := domain.DiscoveryRecord{
		PlayerID:     c.PlayerID,
		Username:     c.Username,
		Source:       c.Source,
		FirstTime:    true,
		DiscoveredAt: now,
	}
	if err := e.store.LogDiscovery(ctx, rec); err != nil {
		e.logger.Warn("failed to log discovery", "player_id", c.PlayerID, "error", err)
	}

	if e.publisher != nil {
		e.publisher.Publish(ctx, domain.Event{
			Type:      domain.EventPlayerDiscovered,
			PlayerID:  c.PlayerID,
			Data:      rec,
			Timestamp: now,
		})
	}

	if err := e.store.EnqueueDeepFetch(ctx, c.PlayerID, now.Add(e.config.DeepFetchDelay)); err != nil {
		e.logger.Warn("failed to schedule deep fetch", "player_id", c.PlayerID, "error", err)
	}
	return true, nil
}

// RunPass runs every strategy in order and returns the number of newly
// registered players per strategy. A failed strategy contributes zero.
func (e *Engine) RunPass(ctx context.Context) (map[string]int, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn("discovery pass already in progress, skipping trigger")
		return nil, domain.ErrDiscoveryInProgress
	}
	defer e.running.Store(false)
	return e.runPass(ctx)
}

// RunPassAsync starts a pass in the background under ctx
func (e *Engine) RunPassAsync(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn("discovery pass already in progress, skipping trigger")
		return domain.ErrDiscoveryInProgress
	}
	go func() {
		defer e.running.Store(false)
		if _, err := e.runPass(ctx); err != nil {
			e.logger.Error("manual discovery pass aborted", "error", err)
		}
	}()
	return nil
}

// IsRunning reports whether a pass is in progress
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) runPass(ctx context.Context) (map[string]int, error) {
	e.logger.Info("starting discovery pass")
	startTime := time.Now()

	counts := make(map[string]int, len(e.strategies))
	total := 0
	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		n, _ := e.runStrategy(ctx, s)
		counts[s.Name()] = n
		total += n
	}

	e.logger.Info("discovery pass completed",
		"duration", time.Since(startTime),
		"new_players", total,
		"counts", counts,
	)
	return counts, nil
}

// RunStrategy runs a single strategy by name
func (e *Engine) RunStrategy(ctx context.Context, name string) (int, error) {
	for _, s := range e.strategies {
		if s.Name() == name {
			return e.runStrategy(ctx, s)
		}
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, name)
}

func (e *Engine) runStrategy(ctx context.Context, s Strategy) (int, error) {
	candidates, err := s.Candidates(ctx)
	if err != nil {
		metrics.StrategyFailures.WithLabelValues(s.Name()).Inc()
		e.logger.Warn("discovery strategy failed", "strategy", s.Name(), "error", err)
		return 0, fmt.Errorf("strategy %s: %w", s.Name(), err)
	}

	registered := 0
	for _, c := range candidates {
		c.Source = s.Name()
		isNew, err := e.Register(ctx, c)
		if err != nil {
			e.logger.Warn("failed to register candidate", "strategy", s.Name(), "player_id", c.PlayerID, "error", err)
			continue
		}
		if isNew {
			registered++
		}
	}

	e.logger.Debug("discovery strategy completed",
		"strategy", s.Name(),
		"candidates", len(candidates),
		"new_players", registered,
	)
	return registered, nil
}

// Cleanup soft-disables players not seen within the inactivity window
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	if e.config.InactiveAfter <= 0 {
		return 0, nil
	}
	n, err := e.store.DeactivateInactive(ctx, e.now().Add(-e.config.InactiveAfter))
	if err != nil {
		return 0, fmt.Errorf("cleaning up inactive players: %w", err)
	}
	if n > 0 {
		e.logger.Info("deactivated inactive players", "count", n)
	}
	return n, nil
}

// Serve runs the periodic discovery pass and cleanup until ctx is cancelled
func (e *Engine) Serve(ctx context.Context) error {
	interval := e.config.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	cleanupInterval := e.config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 24 * time.Hour
	}

	e.logger.Info("discovery engine started", "interval", interval, "cleanup_interval", cleanupInterval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("discovery engine stopped")
			return nil
		case <-ticker.C:
			if _, err := e.RunPass(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("scheduled discovery pass", "error", err)
			}
		case <-cleanup.C:
			if _, err := e.Cleanup(ctx); err != nil {
				e.logger.Error("cleanup failed", "error", err)
			}
		}
	}
}

// String identifies the service in supervisor logs
func (e *Engine) String() string {
	return "discovery-engine"
}
