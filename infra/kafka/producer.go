// Package kafka publishes ledger events to a Kafka topic. Two client
// libraries are supported behind the same Publisher interface.
package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

const (
	DriverKafkaGo = "kafka-go"
	DriverSarama  = "sarama"
)

// NewPublisher builds the publisher selected by driver.
func NewPublisher(driver string, brokers []string, topic string) (Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	switch driver {
	case "", DriverKafkaGo:
		return NewProducer(brokers, topic), nil
	case DriverSarama:
		return NewSaramaProducer(brokers, topic)
	default:
		return nil, errors.Errorf("kafka: unknown driver %q", driver)
	}
}

// Producer is a synchronous kafka-go writer.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
