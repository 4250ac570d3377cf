package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"flashsale/utils"

	"github.com/IBM/sarama"
)

// NewProducerConfig returns the sarama settings used for payment requests:
// synchronous sends acknowledged by every in-sync replica.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	return cfg
}

// KafkaGateway publishes payment requests to a Kafka topic, keyed by order id
// so that every request for an order lands on one partition.
type KafkaGateway struct {
	producer sarama.SyncProducer
	topic    string
	breaker  *utils.CircuitBreaker
}

func NewKafkaGateway(producer sarama.SyncProducer, topic string, breaker *utils.CircuitBreaker) *KafkaGateway {
	if breaker == nil {
		breaker = utils.NewCircuitBreaker("payment-requests")
	}
	return &KafkaGateway{producer: producer, topic: topic, breaker: breaker}
}

// DialKafkaGateway connects a new synchronous producer to brokers.
func DialKafkaGateway(brokers []string, topic string) (*KafkaGateway, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	slog.Info("kafka producer initialized", "brokers", brokers, "topic", topic)
	return NewKafkaGateway(producer, topic, nil), nil
}

func (g *KafkaGateway) RequestPayment(ctx context.Context, req *PaymentRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payment request: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: g.topic,
		Key:   sarama.StringEncoder(req.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("request_id"), Value: []byte(req.RequestID)},
		},
	}

	return g.breaker.Execute(ctx, func(context.Context) error {
		partition, offset, err := g.producer.SendMessage(msg)
		if err != nil {
			return fmt.Errorf("send payment request %s: %w", req.RequestID, err)
		}
		slog.Debug("payment request published",
			"request_id", req.RequestID, "payment_id", req.PaymentID,
			"partition", partition, "offset", offset)
		return nil
	})
}

func (g *KafkaGateway) Close() error {
	return g.producer.Close()
}
