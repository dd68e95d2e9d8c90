package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream client
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_upstream_requests_total",
			Help: "Upstream requests by outcome",
		},
		[]string{"outcome"}, // ok, rate_limited, unauthorized, not_found, malformed, unavailable
	)

	UpstreamRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lbsync_upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	UpstreamBackoffSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lbsync_upstream_backoff_seconds_total",
			Help: "Total time spent in error-driven backoff",
		},
	)

	UpstreamConsecutiveErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbsync_upstream_consecutive_errors",
			Help: "Current shared consecutive upstream error count",
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_token_refreshes_total",
			Help: "Credential exchanges by result",
		},
		[]string{"result"},
	)

	// Reconciliation
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_reconciliations_total",
			Help: "Item reconciliations by result",
		},
		[]string{"result"}, // written, empty, error
	)

	NewTopScores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lbsync_new_top_scores_total",
			Help: "Rank-1 changes detected",
		},
	)

	// Scan
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lbsync_sweep_duration_seconds",
			Help:    "Duration of a full sweep",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		},
	)

	SweepCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbsync_sweep_cursor",
			Help: "Persisted forward-sweep cursor",
		},
	)

	SweepUniverseSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbsync_sweep_universe_size",
			Help: "Size of the current scan universe",
		},
	)

	SweepsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lbsync_sweeps_skipped_total",
			Help: "Sweep triggers dropped because a sweep was running",
		},
	)

	// Discovery
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_registrations_total",
			Help: "Registrations by source and novelty",
		},
		[]string{"source", "first_time"},
	)

	StrategyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_discovery_strategy_failures_total",
			Help: "Discovery strategy failures",
		},
		[]string{"strategy"},
	)

	DeepFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_deep_fetches_total",
			Help: "Deep fetches by result",
		},
		[]string{"result"},
	)

	// Cache
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_cache_hits_total",
			Help: "Cache hits by namespace",
		},
		[]string{"namespace"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_cache_misses_total",
			Help: "Cache misses by namespace",
		},
		[]string{"namespace"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_cache_errors_total",
			Help: "Cache backend failures degraded to direct computation",
		},
		[]string{"operation"},
	)

	// Broadcast
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbsync_websocket_connections",
			Help: "Currently connected websocket subscribers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_events_published_total",
			Help: "Change events published by type",
		},
		[]string{"type"},
	)

	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbsync_webhook_deliveries_total",
			Help: "Webhook deliveries by result",
		},
		[]string{"result"},
	)
)
