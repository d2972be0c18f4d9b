package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Shopify/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/glotpod/ident/internal/domain/models"
	"github.com/glotpod/ident/internal/events"
	"github.com/glotpod/ident/internal/patch"
)

// CloudEvent is the CloudEvents v1.0 envelope wrapping every published
// notification.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         *string        `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType *string        `json:"datacontenttype,omitempty"`
	Data            any            `json:"data,omitempty"`
	Extensions      map[string]any `json:"extensions,omitempty"`
}

const (
	cloudEventSpecVersion     = "1.0"
	cloudEventDataContentType = "application/json"
)

// Producer publishes identity change notifications to a Kafka topic.
// Messages are keyed by user id so events for one user stay ordered within
// a partition.
type Producer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
	topic    string
	source   string
}

// NewProducer creates a synchronous Kafka producer for change notifications.
// source identifies this service in the event envelope, e.g. "/ident-service".
func NewProducer(brokers []string, topic string, source string, logger *zap.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		logger:   logger,
		topic:    topic,
		source:   source,
	}, nil
}

func (p *Producer) PublishUserCreated(ctx context.Context, user *models.User) error {
	return p.publish(ctx, events.EventUserCreated, user.ID, user)
}

func (p *Producer) PublishUserPatched(ctx context.Context, userID int64, ops []patch.Op) error {
	return p.publish(ctx, events.EventUserPatched, userID, events.PatchedPayload{UserID: userID, Ops: ops})
}

func (p *Producer) publish(ctx context.Context, eventType events.EventType, userID int64, data any) error {
	subject := strconv.FormatInt(userID, 10)
	contentType := cloudEventDataContentType

	event := CloudEvent{
		SpecVersion:     cloudEventSpecVersion,
		ID:              uuid.NewString(),
		Source:          p.source,
		Type:            string(eventType),
		Subject:         &subject,
		Time:            time.Now().UTC(),
		DataContentType: &contentType,
		Data:            data,
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		event.Extensions = map[string]any{"trace_id": spanCtx.TraceID().String()}
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(subject),
		Value: sarama.ByteEncoder(eventJSON),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send event to Kafka: %w", err)
	}

	p.logger.Debug("notification published",
		zap.String("topic", p.topic),
		zap.String("type", string(eventType)),
		zap.String("event_id", event.ID),
		zap.String("subject", subject),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

var _ events.Publisher = (*Producer)(nil)
