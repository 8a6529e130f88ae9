// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haldis/outbox/internal/domain"
	"github.com/haldis/outbox/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// Publisher is the dispatcher-facing bus contract. Errors are transient by
// definition; the repository's retry cycle bounds them.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

// NewWriter builds the shared Kafka writer. The Hash balancer routes by
// message key, so all envelopes of one aggregate land on one partition and
// keep their sequence order.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 20 * time.Millisecond,
	}
}

type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(writer *kafka.Writer, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &KafkaPublisher{
		writer: writer,
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, env domain.Envelope) error {
	msg, err := buildMessage(env)
	if err != nil {
		return &domain.PublishError{Topic: p.writer.Topic, Err: err}
	}

	started := time.Now()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("bus publish failed",
			"event_id", env.ID,
			"event_type", env.EventType,
			"error", err,
		)
		return &domain.PublishError{Topic: p.writer.Topic, Err: err}
	}
	metrics.ObservePublishDuration(time.Since(started))

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// buildMessage maps an envelope onto a Kafka message. Event id and type ride
// in headers so consumers can deduplicate without parsing the body.
func buildMessage(env domain.Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}

	return kafka.Message{
		Key:   []byte(env.PartitionKey()),
		Value: value,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.ID.String())},
			{Key: "event_type", Value: []byte(env.EventType)},
		},
	}, nil
}

var _ Publisher = (*KafkaPublisher)(nil)
