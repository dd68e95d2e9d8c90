package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/service"
	"github.com/leaderboard-sync/internal/upstream"
	"github.com/leaderboard-sync/internal/websocket"
)

// Reader serves the cached read paths
type Reader interface {
	Rankings(ctx context.Context, sort string, page, size int) (*service.RankingsPage, error)
	ItemScores(ctx context.Context, itemID string) ([]domain.Score, error)
	Player(ctx context.Context, playerID string) (*service.PlayerProfile, error)
	Stats(ctx context.Context) (*domain.GlobalStats, error)
}

// Scanner controls the scan coordinator
type Scanner interface {
	TriggerAsync(ctx context.Context) error
	Progress() domain.ScanProgress
}

// Discoverer controls the discovery engine
type Discoverer interface {
	RunPassAsync(ctx context.Context) error
	RunStrategy(ctx context.Context, name string) (int, error)
	Strategies() []string
	IsRunning() bool
}

// UpstreamStats exposes the upstream client's counters
type UpstreamStats interface {
	Stats() upstream.Stats
}

// Pinger checks a backing dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the components the control surface drives
type Dependencies struct {
	Reader    Reader
	Scanner   Scanner
	Discovery Discoverer
	Upstream  UpstreamStats
	Hub       *websocket.Hub
	Database  Pinger
	Cache     Pinger
}

// Handler provides HTTP handlers for the control surface and read paths
type Handler struct {
	deps   Dependencies
	ctx    context.Context
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler. Work started by a trigger runs
// under ctx, not under the request.
func NewHandler(ctx context.Context, deps Dependencies, logger *slog.Logger) *Handler {
	return &Handler{
		deps:   deps,
		ctx:    ctx,
		logger: logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Logger)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/trigger", h.TriggerSync)
			r.Get("/progress", h.GetProgress)
		})

		r.Route("/discovery", func(r chi.Router) {
			r.Post("/run", h.RunDiscovery)
			r.Get("/strategies", h.ListStrategies)
			r.Post("/strategies/{name}", h.RunStrategy)
		})

		r.Get("/upstream/stats", h.GetUpstreamStats)

		r.Get("/rankings", h.GetRankings)
		r.Get("/stats", h.GetStats)
		r.Get("/items/{itemID}/scores", h.GetItemScores)
		r.Get("/players/{playerID}", h.GetPlayer)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError maps err onto a status code and writes it
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		message = domain.ErrInternalError.Error()
	}
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   message,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case domain.IsNotFoundError(err), errors.Is(err, domain.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrScanInProgress), errors.Is(err, domain.ErrDiscoveryInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUpstreamUnavailable), errors.Is(err, domain.ErrAuthFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TriggerSync starts a sweep in the background
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Scanner.TriggerAsync(h.ctx); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// GetProgress returns the scan progress view
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, h.deps.Scanner.Progress())
}

// RunDiscovery starts a full discovery pass in the background
func (h *Handler) RunDiscovery(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Discovery.RunPassAsync(h.ctx); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// ListStrategies returns the strategy names in pass order
func (h *Handler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"strategies": h.deps.Discovery.Strategies(),
		"running":    h.deps.Discovery.IsRunning(),
	})
}

// RunStrategy runs one strategy and reports how many players were new
func (h *Handler) RunStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	registered, err := h.deps.Discovery.RunStrategy(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"strategy":    name,
		"new_players": registered,
	})
}

// GetUpstreamStats returns the upstream client's counters
func (h *Handler) GetUpstreamStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, h.deps.Upstream.Stats())
}

// GetRankings returns a page of the ranking
func (h *Handler) GetRankings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	size := queryInt(q.Get("size"), service.DefaultPageSize)

	result, err := h.deps.Reader.Rankings(r.Context(), q.Get("sort"), page, size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, result)
}

// GetStats returns population-wide counts
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Reader.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, stats)
}

// GetItemScores returns one item's stored scores
func (h *Handler) GetItemScores(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	scores, err := h.deps.Reader.ItemScores(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"item_id": itemID,
		"scores":  scores,
	})
}

// GetPlayer returns a player profile
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	profile, err := h.deps.Reader.Player(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, profile)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.deps.Hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"total_connections": h.deps.Hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once the database answers. A cache outage
// degrades reads to direct queries and is reported without failing.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "cache": "ok"}
	if h.deps.Database != nil {
		if err := h.deps.Database.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
				Success: false,
				Data:    checks,
				Error:   "not ready",
			})
			return
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(ctx); err != nil {
			checks["cache"] = "degraded"
		}
	}

	h.writeSuccess(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
