package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Consumer binds the dispatcher to a Kafka request topic. Each request
// message carries its own reply_to topic; replies go out through a sync
// producer keyed by correlation id.
type Consumer struct {
	group      sarama.ConsumerGroup
	producer   sarama.SyncProducer
	dispatcher *Dispatcher
	topic      string
	logger     *zap.Logger

	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewConsumer(cfg ConsumerConfig, dispatcher *Dispatcher, logger *zap.Logger) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		group.Close()
		return nil, fmt.Errorf("failed to create RPC reply producer: %w", err)
	}

	return &Consumer{
		group:      group,
		producer:   producer,
		dispatcher: dispatcher,
		topic:      cfg.Topic,
		logger:     logger,
		ready:      make(chan struct{}),
	}, nil
}

// Start begins consuming and blocks until the first session is set up.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("RPC consumer started", zap.String("topic", c.topic))
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("RPC consumer error", zap.Error(err))
				time.Sleep(time.Second)
			}
			if ctx.Err() != nil {
				return
			}
			c.ready = make(chan struct{})
		}
	}()

	<-c.ready
}

func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.group.Close(); err != nil {
		c.producer.Close()
		return fmt.Errorf("failed to close RPC consumer group: %w", err)
	}
	return c.producer.Close()
}

func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("RPC consumer session ready", zap.String("member_id", session.MemberID()))
	close(c.ready)
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		c.handle(session.Context(), message)
		session.MarkMessage(message, "")
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) {
	var req Request
	if err := json.Unmarshal(message.Value, &req); err != nil {
		// No envelope means no correlation id and no reply_to, so there is
		// nobody to answer. Log and move on.
		c.logger.Warn("Discarding undecodable RPC request",
			zap.Int64("offset", message.Offset),
			zap.Error(err),
		)
		return
	}

	resp := c.dispatcher.Dispatch(ctx, req)

	if req.ReplyTo == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to encode RPC reply", zap.String("op", req.Op), zap.Error(err))
		return
	}
	_, _, err = c.producer.SendMessage(&sarama.ProducerMessage{
		Topic: req.ReplyTo,
		Key:   sarama.StringEncoder(req.CorrelationID),
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		c.logger.Error("Failed to send RPC reply",
			zap.String("op", req.Op),
			zap.String("reply_to", req.ReplyTo),
			zap.Error(err),
		)
	}
}
