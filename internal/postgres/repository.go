package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leaderboard-sync/internal/config"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	return Connect(context.Background(), cfg.ConnectionString(), cfg, logger)
}

// Connect opens a pool against dsn using the pool sizing from cfg
func Connect(ctx context.Context, dsn string, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	if cfg != nil {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
		poolConfig.MinConns = int32(cfg.MinConnections)
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS players (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			country_code VARCHAR(8) NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			global_rank INT NOT NULL DEFAULT 0,
			country_rank INT NOT NULL DEFAULT 0,
			performance DOUBLE PRECISION NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			score_count INT NOT NULL DEFAULT 0,
			average_rank DOUBLE PRECISION NOT NULL DEFAULT 0,
			best_score BIGINT NOT NULL DEFAULT 0,
			total_performance DOUBLE PRECISION NOT NULL DEFAULT 0,
			weighted_performance DOUBLE PRECISION NOT NULL DEFAULT 0,
			first_places INT NOT NULL DEFAULT 0,
			top_ten_places INT NOT NULL DEFAULT 0,
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id VARCHAR(64) PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			weight DOUBLE PRECISION NOT NULL DEFAULT 0,
			artist TEXT,
			creator TEXT,
			difficulty DOUBLE PRECISION,
			length_seconds INT,
			status VARCHAR(32),
			reconciled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS scores (
			id BIGSERIAL PRIMARY KEY,
			item_id VARCHAR(64) NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			player_id VARCHAR(64) NOT NULL REFERENCES players(id) ON DELETE CASCADE,
			rank INT NOT NULL,
			score BIGINT NOT NULL,
			accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
			mods TEXT[] NOT NULL DEFAULT '{}',
			performance DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_combo INT NOT NULL DEFAULT 0,
			played_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(item_id, player_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			key VARCHAR(64) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS discovery_log (
			id BIGSERIAL PRIMARY KEY,
			player_id VARCHAR(64) NOT NULL,
			username VARCHAR(255) NOT NULL,
			source VARCHAR(32) NOT NULL,
			first_time BOOLEAN NOT NULL,
			discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS deep_fetch_queue (
			player_id VARCHAR(64) PRIMARY KEY REFERENCES players(id) ON DELETE CASCADE,
			due_at TIMESTAMPTZ NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_players_username_lower ON players(LOWER(username))`,
		`CREATE INDEX IF NOT EXISTS idx_players_weighted ON players(weighted_performance DESC) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_items_reconciled ON items(reconciled_at ASC NULLS FIRST)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_item_rank ON scores(item_id, rank)`,
		`CREATE INDEX IF NOT EXISTS idx_scores_player ON scores(player_id)`,
		`CREATE INDEX IF NOT EXISTS idx_discovery_log_player ON discovery_log(player_id, discovered_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deep_fetch_due ON deep_fetch_queue(due_at)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}
