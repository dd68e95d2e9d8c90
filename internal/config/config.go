package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Scan      ScanConfig      `yaml:"scan"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Cache     CacheConfig     `yaml:"cache"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration.
// EventsTopic receives every published change event, CandidatesTopic feeds
// externally supplied discovery candidates into registration.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	EventsTopic     string        `yaml:"events_topic"`
	CandidatesTopic string        `yaml:"candidates_topic"`
	GroupID         string        `yaml:"group_id"`
	Enabled         bool          `yaml:"enabled"`
	BatchSize       int           `yaml:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
}

// UpstreamConfig holds the third-party API client configuration
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	TokenURL       string        `yaml:"token_url"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	Scopes         []string      `yaml:"scopes"`
	TokenMargin    time.Duration `yaml:"token_margin"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MinSpacing     time.Duration `yaml:"min_spacing"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TrackingConfig defines the tracked population
type TrackingConfig struct {
	CountryCode string `yaml:"country_code"`
}

// ScanConfig holds sweep configuration
type ScanConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	MaxPages         int           `yaml:"max_pages"`
	MinWeight        float64       `yaml:"min_weight"`
	PriorityCount    int           `yaml:"priority_count"`
	BatchSize        int           `yaml:"batch_size"`
	MaxItemsPerSweep int           `yaml:"max_items_per_sweep"`
	ItemDelay        time.Duration `yaml:"item_delay"`
}

// DiscoveryConfig holds discovery engine configuration
type DiscoveryConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	RankingPages         int           `yaml:"ranking_pages"`
	PopularItems         int           `yaml:"popular_items"`
	SearchQueries        []string      `yaml:"search_queries"`
	MatchPages           int           `yaml:"match_pages"`
	DeepFetchDelay       time.Duration `yaml:"deep_fetch_delay"`
	DeepFetchLimit       int           `yaml:"deep_fetch_limit"`
	DeepFetchPoll        time.Duration `yaml:"deep_fetch_poll"`
	DeepFetchMaxAttempts int           `yaml:"deep_fetch_max_attempts"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	InactiveAfter        time.Duration `yaml:"inactive_after"`
}

// CacheConfig holds read-side cache configuration
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Prefix     string        `yaml:"prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	RankingTTL time.Duration `yaml:"ranking_ttl"`
}

// WebhookConfig holds the milestone webhook configuration
type WebhookConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes configuration from YAML bytes after expanding environment
// variables, then applies defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{
		Scan:      ScanConfig{Enabled: true},
		Discovery: DiscoveryConfig{Enabled: true},
		Cache:     CacheConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.EventsTopic == "" {
		c.Kafka.EventsTopic = "leaderboard-sync-events"
	}
	if c.Kafka.CandidatesTopic == "" {
		c.Kafka.CandidatesTopic = "leaderboard-sync-candidates"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "leaderboard-sync"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 50
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}

	// Upstream defaults
	if c.Upstream.TokenMargin == 0 {
		c.Upstream.TokenMargin = 5 * time.Minute
	}
	if c.Upstream.MaxConcurrent == 0 {
		c.Upstream.MaxConcurrent = 3
	}
	if c.Upstream.MinSpacing == 0 {
		c.Upstream.MinSpacing = 600 * time.Millisecond
	}
	if c.Upstream.BackoffBase == 0 {
		c.Upstream.BackoffBase = 1 * time.Second
	}
	if c.Upstream.BackoffMax == 0 {
		c.Upstream.BackoffMax = 60 * time.Second
	}
	if c.Upstream.MaxAttempts == 0 {
		c.Upstream.MaxAttempts = 4
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = 30 * time.Second
	}

	if c.Tracking.CountryCode == "" {
		c.Tracking.CountryCode = "JP"
	}

	// Scan defaults
	if c.Scan.Interval == 0 {
		c.Scan.Interval = 6 * time.Hour
	}
	if c.Scan.MaxPages == 0 {
		c.Scan.MaxPages = 200
	}
	if c.Scan.PriorityCount == 0 {
		c.Scan.PriorityCount = 150
	}
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = 50
	}
	if c.Scan.ItemDelay == 0 {
		c.Scan.ItemDelay = 250 * time.Millisecond
	}

	// Discovery defaults
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = 12 * time.Hour
	}
	if c.Discovery.RankingPages == 0 {
		c.Discovery.RankingPages = 20
	}
	if c.Discovery.PopularItems == 0 {
		c.Discovery.PopularItems = 50
	}
	if c.Discovery.MatchPages == 0 {
		c.Discovery.MatchPages = 5
	}
	if c.Discovery.DeepFetchDelay == 0 {
		c.Discovery.DeepFetchDelay = 30 * time.Second
	}
	if c.Discovery.DeepFetchLimit == 0 {
		c.Discovery.DeepFetchLimit = 100
	}
	if c.Discovery.DeepFetchPoll == 0 {
		c.Discovery.DeepFetchPoll = 15 * time.Second
	}
	if c.Discovery.DeepFetchMaxAttempts == 0 {
		c.Discovery.DeepFetchMaxAttempts = 5
	}
	if c.Discovery.CleanupInterval == 0 {
		c.Discovery.CleanupInterval = 24 * time.Hour
	}
	if c.Discovery.InactiveAfter == 0 {
		c.Discovery.InactiveAfter = 90 * 24 * time.Hour
	}

	// Cache defaults
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "lbsync"
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Cache.RankingTTL == 0 {
		c.Cache.RankingTTL = 2 * time.Minute
	}

	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Webhook.QueueSize == 0 {
		c.Webhook.QueueSize = 100
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Scan.Enabled = true
	cfg.Discovery.Enabled = true
	cfg.Cache.Enabled = true
	return cfg
}
