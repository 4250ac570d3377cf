package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// NewConsumerConfig returns the sarama settings used for payment results.
// Offsets start at the oldest message so nothing published while the group
// was down is skipped.
func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return cfg
}

// ResultConsumer feeds payment results from a consumer group into a
// ResultHandler. Messages that could not be decoded or were rejected by the
// handler are marked and dropped. A settlement cut short by a rebalance or
// shutdown is left unmarked so the result is delivered again.
type ResultConsumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler ResultHandler
}

func NewResultConsumer(group sarama.ConsumerGroup, topic string, handler ResultHandler) *ResultConsumer {
	return &ResultConsumer{group: group, topic: topic, handler: handler}
}

// DialResultConsumer joins groupID on brokers.
func DialResultConsumer(brokers []string, groupID, topic string, handler ResultHandler) (*ResultConsumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	slog.Info("kafka consumer group initialized", "brokers", brokers, "group", groupID, "topic", topic)
	return NewResultConsumer(group, topic, handler), nil
}

// Run consumes until ctx is cancelled or the group is closed.
func (c *ResultConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			slog.Error("kafka consumer error", "error", err, "topic", c.topic)
		}
	}()

	for {
		err := c.group.Consume(ctx, []string{c.topic}, c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			slog.Error("payment result consume round failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *ResultConsumer) Close() error {
	return c.group.Close()
}

func (c *ResultConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *ResultConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *ResultConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.handle(session.Context(), msg); err != nil {
				slog.Warn("payment result left for redelivery", "error", err,
					"partition", msg.Partition, "offset", msg.Offset)
				return nil
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handle settles one message. It returns an error only when the session was
// cancelled before the result could be settled; every other failure is
// logged and the message counts as consumed.
func (c *ResultConsumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var result PaymentResult
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		slog.Error("dropping undecodable payment result", "error", err,
			"partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	err := c.handler(ctx, result)
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		return fmt.Errorf("settle payment %s: %w", result.PaymentID, err)
	}
	if err != nil {
		slog.Error("failed to settle payment result", "error", err,
			"request_id", result.RequestID, "payment_id", result.PaymentID, "status", result.Status)
		return nil
	}

	slog.Info("payment result settled", "payment_id", result.PaymentID, "order_id", result.OrderID, "status", result.Status)
	return nil
}
