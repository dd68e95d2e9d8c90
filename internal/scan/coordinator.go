package scan

import (
	"context"
	"errors"
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

// Cursor keys
const (
	CursorLastIndex  = "last_index"
	CursorTotalItems = "total_items"
)

// Sweep phases reported in progress
const (
	PhaseIdle     = "idle"
	PhaseUniverse = "universe"
	PhasePriority = "priority"
	PhaseForward  = "forward"
)

// ItemSource pages through the upstream item listing
type ItemSource interface {
	ListItems(ctx context.Context, page int) ([]domain.Item, error)
}

// Reconciler reconciles a single item
type Reconciler interface {
	Reconcile(ctx context.Context, item domain.Item) (domain.ReconcileResult, error)
}

// Store provides the stale-item query and durable cursors
type Store interface {
	StaleItems(ctx context.Context, limit int) ([]domain.Item, error)
	GetCursor(ctx context.Context, key string) (string, bool, error)
	SetCursor(ctx context.Context, key, value string) error
}

// Publisher delivers change events
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// Coordinator runs sweeps over the item universe: a priority pass over the
// stalest stored items followed by a resumable forward pass. At most one
// sweep runs at a time; overlapping triggers are dropped.
type Coordinator struct {
	items      ItemSource
	reconciler Reconciler
	store      Store
	publisher  Publisher
	config     *config.ScanConfig
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	running  atomic.Bool
	mu       sync.RWMutex
	progress domain.ScanProgress
}

// NewCoordinator creates a scan coordinator
func NewCoordinator(
	items ItemSource,
	reconciler Reconciler,
	store Store,
	cfg *config.ScanConfig,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		items:      items,
		reconciler: reconciler,
		store:      store,
		config:     cfg,
		logger:     logger,
		sleep:      sleepContext,
		progress:   domain.ScanProgress{Phase: PhaseIdle},
	}
}

// SetPublisher sets where scan_completed events go
func (c *Coordinator) SetPublisher(p Publisher) {
	c.publisher = p
}

// Serve runs the periodic trigger until ctx is cancelled
func (c *Coordinator) Serve(ctx context.Context) error {
	if err := c.LoadProgress(ctx); err != nil {
		c.logger.Warn("loading persisted scan progress", "error", err)
	}

	c.logger.Info("scan coordinator started", "interval", c.config.Interval)

	c.runScheduled(ctx)

	interval := c.config.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("scan coordinator stopped")
			return nil
		case <-ticker.C:
			c.runScheduled(ctx)
		}
	}
}

func (c *Coordinator) runScheduled(ctx context.Context) {
	if err := c.Trigger(ctx); err != nil && !errors.Is(err, domain.ErrScanInProgress) {
		c.logger.Error("scheduled sweep aborted", "error", err)
	}
}

// String identifies the service in supervisor logs
func (c *Coordinator) String() string {
	return "scan-coordinator"
}

// Trigger runs one sweep synchronously. Returns ErrScanInProgress without
// waiting when a sweep is already running.
func (c *Coordinator) Trigger(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		c.skip()
		return domain.ErrScanInProgress
	}
	defer c.running.Store(false)
	return c.sweep(ctx)
}

// TriggerAsync starts a sweep in the background under ctx
func (c *Coordinator) TriggerAsync(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		c.skip()
		return domain.ErrScanInProgress
	}
	go func() {
		defer c.running.Store(false)
		if err := c.sweep(ctx); err != nil {
			c.logger.Error("manual sweep aborted", "error", err)
		}
	}()
	return nil
}

func (c *Coordinator) skip() {
	metrics.SweepsSkipped.Inc()
	c.logger.Warn("sweep already in progress, skipping trigger")
}

// IsRunning reports whether a sweep is in progress
func (c *Coordinator) IsRunning() bool {
	return c.running.Load()
}

// Progress returns a snapshot of the sweep state
func (c *Coordinator) Progress() domain.ScanProgress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.progress
	p.Running = c.running.Load()
	if p.Total > 0 {
		p.Percentage = float64(p.Processed) / float64(p.Total) * 100
	}
	return p
}

// LoadProgress seeds the progress view from persisted cursors
func (c *Coordinator) LoadProgress(ctx context.Context) error {
	index, err := c.readInt(ctx, CursorLastIndex)
	if err != nil {
		return err
	}
	total, err := c.readInt(ctx, CursorTotalItems)
	if err != nil {
		return err
	}
	c.update(func(p *domain.ScanProgress) {
		p.Processed = index
		p.Total = total
	})
	return nil
}

func (c *Coordinator) update(fn func(p *domain.ScanProgress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.progress)
}

func (c *Coordinator) readInt(ctx context.Context, key string) (int, error) {
	raw, ok, err := c.store.GetCursor(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.logger.Warn("ignoring malformed cursor", "key", key, "value", raw)
		return 0, nil
	}
	return n, nil
}

func (c *Coordinator) writeInt(ctx context.Context, key string, value int) {
	if err := c.store.SetCursor(ctx, key, strconv.Itoa(value)); err != nil {
		c.logger.Error("failed to persist cursor", "key", key, "value", value, "error", err)
	}
}

// sweep runs the universe fetch, priority pass and forward pass
func (c *Coordinator) sweep(ctx context.Context) error {
	c.logger.Info("starting sweep")
	startTime := time.Now()
	c.update(func(p *domain.ScanProgress) {
		p.Phase = PhaseUniverse
		p.RunErrors = 0
		p.LastError = ""
	})

	defer func() {
		duration := time.Since(startTime)
		metrics.SweepDuration.Observe(duration.Seconds())
		c.update(func(p *domain.ScanProgress) {
			p.Phase = PhaseIdle
			p.LastRunAt = startTime
			p.LastDuration = duration.Round(time.Millisecond).String()
		})
	}()

	universe, err := c.fetchUniverse(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrAuthFailure) || ctx.Err() != nil {
			c.recordError(err)
			return fmt.Errorf("fetching item universe: %w", err)
		}
		c.recordError(err)
		c.logger.Warn("item universe incomplete", "items", len(universe), "error", err)
	}

	size := len(universe)
	if err == nil || size > 0 {
		c.writeInt(ctx, CursorTotalItems, size)
		metrics.SweepUniverseSize.Set(float64(size))
		c.update(func(p *domain.ScanProgress) { p.Total = size })
	}

	c.update(func(p *domain.ScanProgress) { p.Phase = PhasePriority })
	priorityDone, err := c.priorityPass(ctx)
	if err != nil {
		return err
	}

	forwardDone := 0
	if size > 0 {
		c.update(func(p *domain.ScanProgress) { p.Phase = PhaseForward })
		forwardDone, err = c.forwardPass(ctx, universe)
		if err != nil {
			return err
		}
	}

	c.logger.Info("sweep completed",
		"duration", time.Since(startTime),
		"universe", size,
		"priority", priorityDone,
		"forward", forwardDone,
	)

	if c.publisher != nil {
		c.publisher.Publish(ctx, domain.Event{
			Type: domain.EventScanCompleted,
			Data: map[string]any{
				"universe": size,
				"priority": priorityDone,
				"forward":  forwardDone,
			},
			Timestamp: time.Now(),
		})
	}
	return nil
}

// fetchUniverse pages through the listing until an empty page or the page
// ceiling, keeping items at or above the weight threshold
func (c *Coordinator) fetchUniverse(ctx context.Context) ([]domain.Item, error) {
	maxPages := c.config.MaxPages
	if maxPages <= 0 {
		maxPages = 200
	}

	var universe []domain.Item
	seen := make(map[string]struct{})
	for page := 1; page <= maxPages; page++ {
		items, err := c.items.ListItems(ctx, page)
		if err != nil {
			return universe, err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if item.Weight < c.config.MinWeight {
				continue
			}
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			universe = append(universe, item)
		}
	}
	return universe, nil
}

func (c *Coordinator) priorityPass(ctx context.Context) (int, error) {
	if c.config.PriorityCount <= 0 {
		return 0, nil
	}

	stale, err := c.store.StaleItems(ctx, c.config.PriorityCount)
	if err != nil {
		c.recordError(err)
		c.logger.Error("failed to list stale items", "error", err)
		return 0, nil
	}

	done := 0
	for i, item := range stale {
		if i > 0 {
			if err := c.delay(ctx); err != nil {
				return done, err
			}
		}
		if err := c.reconcileItem(ctx, item); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// forwardPass resumes from the persisted cursor, persisting it after every
// item so a restart loses at most one item
func (c *Coordinator) forwardPass(ctx context.Context, universe []domain.Item) (int, error) {
	size := len(universe)

	cursor, err := c.readInt(ctx, CursorLastIndex)
	if err != nil {
		c.logger.Warn("reading cursor, starting from 0", "error", err)
		cursor = 0
	}
	if cursor < 0 || cursor >= size {
		c.logger.Info("cursor wrapped around", "cursor", cursor, "universe", size)
		cursor = 0
	}

	end := size
	if limit := c.config.MaxItemsPerSweep; limit > 0 && cursor+limit < end {
		end = cursor + limit
	}

	batchSize := c.config.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	done := 0
	for batchStart := cursor; batchStart < end; batchStart += batchSize {
		batchEnd := min(batchStart+batchSize, end)
		c.logger.Debug("processing batch", "from", batchStart, "to", batchEnd, "universe", size)

		for i := batchStart; i < batchEnd; i++ {
			if done > 0 {
				if err := c.delay(ctx); err != nil {
					return done, err
				}
			}
			if err := c.reconcileItem(ctx, universe[i]); err != nil {
				return done, err
			}
			done++

			next := (i + 1) % size
			c.writeInt(ctx, CursorLastIndex, next)
			metrics.SweepCursor.Set(float64(next))
			c.update(func(p *domain.ScanProgress) { p.Processed = i + 1 })
		}
	}
	return done, nil
}

// reconcileItem isolates per-item failures. Only authentication failures
// and cancellation abort the sweep.
func (c *Coordinator) reconcileItem(ctx context.Context, item domain.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := c.reconciler.Reconcile(ctx, item)
	if err == nil {
		c.update(func(p *domain.ScanProgress) { p.ItemsReconciled++ })
		return nil
	}

	c.recordError(err)
	if errors.Is(err, domain.ErrAuthFailure) {
		c.logger.Error("authentication failed, aborting sweep", "item_id", item.ID, "error", err)
		return fmt.Errorf("sweep aborted at item %s: %w", item.ID, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logger.Warn("failed to reconcile item", "item_id", item.ID, "error", err)
	return nil
}

func (c *Coordinator) recordError(err error) {
	c.update(func(p *domain.ScanProgress) {
		p.Errors++
		p.RunErrors++
		p.LastError = err.Error()
	})
}

func (c *Coordinator) delay(ctx context.Context) error {
	if c.config.ItemDelay <= 0 {
		return ctx.Err()
	}
	return c.sleep(ctx, c.config.ItemDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
