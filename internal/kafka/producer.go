package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/leaderboard-sync/internal/config"
	"github.com/leaderboard-sync/internal/domain"
)

// EventProducer mirrors change events onto the events topic. Delivery is
// best-effort: failures are logged and never reach the caller.
type EventProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewEventProducer connects a synchronous producer to the configured brokers
func NewEventProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*EventProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}

	return NewEventProducerWith(producer, cfg.EventsTopic, logger), nil
}

// NewEventProducerWith wraps an existing producer
func NewEventProducerWith(producer sarama.SyncProducer, topic string, logger *slog.Logger) *EventProducer {
	return &EventProducer{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// Publish sends the event keyed by item, or by player when no item is set
func (p *EventProducer) Publish(ctx context.Context, event domain.Event) {
	if ctx.Err() != nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	if key := eventKey(event); key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Warn("failed to produce event", "type", event.Type, "topic", p.topic, "error", err)
		return
	}
	p.logger.Debug("produced event", "type", event.Type, "partition", partition, "offset", offset)
}

// Close flushes and closes the producer
func (p *EventProducer) Close() error {
	return p.producer.Close()
}

func eventKey(event domain.Event) string {
	if event.ItemID != "" {
		return event.ItemID
	}
	return event.PlayerID
}
