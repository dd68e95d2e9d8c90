package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
)

// SourceFeed tags registrations that arrived on the candidate topic
const SourceFeed = "feed"

// Registrar registers discovered candidates
type Registrar interface {
	Register(ctx context.Context, c domain.Candidate) (bool, error)
}

// Consumer feeds externally supplied candidates from Kafka into registration
type Consumer struct {
	config        *config.KafkaConfig
	registrar     Registrar
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
}

// NewConsumer creates a new candidate-feed consumer
func NewConsumer(cfg *config.KafkaConfig, registrar Registrar, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	return newConsumer(cfg, registrar, consumerGroup, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, registrar Registrar, group sarama.ConsumerGroup, logger *slog.Logger) *Consumer {
	return &Consumer{
		config:        cfg,
		registrar:     registrar,
		logger:        logger,
		consumerGroup: group,
	}
}

// Serve consumes the candidate topic until ctx is cancelled
func (c *Consumer) Serve(ctx context.Context) error {
	c.logger.Info("starting candidate consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.CandidatesTopic,
		"group_id", c.config.GroupID,
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	handler := &consumerGroupHandler{consumer: c}
	for {
		if err := c.consumerGroup.Consume(ctx, []string{c.config.CandidatesTopic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("error from consumer", "error", err)
		}

		// Check if context was cancelled
		if ctx.Err() != nil {
			return nil
		}
	}
}

// String identifies the service in supervisor logs
func (c *Consumer) String() string {
	return "candidate-consumer"
}

// Close releases the consumer group
func (c *Consumer) Close() error {
	c.logger.Info("stopping candidate consumer")
	return c.consumerGroup.Close()
}

// decode parses one message into a candidate. Invalid payloads return false.
func (c *Consumer) decode(value []byte) (domain.Candidate, bool) {
	var msg CandidateMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.logger.Warn("failed to unmarshal candidate", "error", err)
		return domain.Candidate{}, false
	}

	candidate := msg.Candidate()
	if !candidate.Valid() {
		c.logger.Warn("invalid candidate", "player_id", msg.PlayerID, "username", msg.Username)
		return domain.Candidate{}, false
	}
	return candidate, true
}

// registerBatch registers each candidate; failures are logged and skipped.
// It returns the number of first-time registrations.
func (c *Consumer) registerBatch(ctx context.Context, batch []domain.Candidate) int {
	created := 0
	for _, candidate := range batch {
		firstTime, err := c.registrar.Register(ctx, candidate)
		if err != nil {
			c.logger.Error("failed to register feed candidate",
				"player_id", candidate.PlayerID,
				"error", err,
			)
			continue
		}
		if firstTime {
			created++
		}
	}
	return created
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("candidate consumer ready")
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}

	batch := make([]domain.Candidate, 0, batchSize)
	batchTimer := time.NewTimer(batchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		created := h.consumer.registerBatch(ctx, batch)
		h.consumer.logger.Debug("processed candidate batch", "batch_size", len(batch), "new_players", created)

		batch = batch[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			// Process remaining batch before exit
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(batchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}

			if candidate, valid := h.consumer.decode(message.Value); valid {
				batch = append(batch, candidate)
			}
			session.MarkMessage(message, "")

			if len(batch) >= batchSize {
				processBatch()
				batchTimer.Reset(batchTimeout)
			}
		}
	}
}

// CandidateMessage is the wire format of the candidate topic
type CandidateMessage struct {
	PlayerID    string `json:"player_id"`
	Username    string `json:"username"`
	CountryCode string `json:"country_code,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Candidate converts the message into a feed-sourced candidate
func (m CandidateMessage) Candidate() domain.Candidate {
	return domain.Candidate{
		PlayerID:    strings.TrimSpace(m.PlayerID),
		Username:    strings.TrimSpace(m.Username),
		CountryCode: strings.ToUpper(strings.TrimSpace(m.CountryCode)),
		AvatarURL:   m.AvatarURL,
		Source:      SourceFeed,
	}
}
