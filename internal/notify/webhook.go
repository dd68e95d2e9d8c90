package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
	"github.com/leaderboard-sync/internal/metrics"
)

// Webhook posts milestone events to an external URL. Publish only queues;
// Serve does the POSTs so a slow endpoint never holds up the publisher.
// Delivery is best-effort: a full queue drops the event and a circuit
// breaker stops calls to an endpoint that keeps failing.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	queue   chan domain.Event
	logger  *slog.Logger
}

// milestones are the event types forwarded to the webhook
var milestones = map[string]struct{}{
	domain.EventNewTopScore:      {},
	domain.EventPlayerDiscovered: {},
}

// NewWebhook returns nil when no URL is configured
func NewWebhook(cfg *config.WebhookConfig, logger *slog.Logger) *Webhook {
	if cfg == nil || cfg.URL == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	w := &Webhook{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan domain.Event, queueSize),
		logger: logger,
	}

	w.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("webhook circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return w
}

// Publish queues milestone events; other event types are ignored
func (w *Webhook) Publish(ctx context.Context, event domain.Event) {
	if w == nil {
		return
	}
	if _, ok := milestones[event.Type]; !ok {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case w.queue <- event:
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		w.logger.Warn("webhook queue full, dropping event", "type", event.Type)
	}
}

// Serve delivers queued events until ctx is cancelled
func (w *Webhook) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-w.queue:
			w.deliver(ctx, event)
		}
	}
}

// String identifies the service in supervisor logs
func (w *Webhook) String() string {
	return "webhook"
}

func (w *Webhook) deliver(ctx context.Context, event domain.Event) {
	_, err := w.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, w.post(ctx, event)
	})

	switch {
	case err == nil:
		metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.WebhookDeliveries.WithLabelValues("rejected").Inc()
		w.logger.Debug("webhook skipped, circuit open", "type", event.Type)
	default:
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		w.logger.Warn("webhook delivery failed", "type", event.Type, "error", err)
	}
}

func (w *Webhook) post(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event.Type)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// State reports the breaker state
func (w *Webhook) State() gobreaker.State {
	return w.breaker.State()
}
