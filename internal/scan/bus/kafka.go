package bus

import (
	"context"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/segmentio/kafka-go"

	"github.com/Laisky/telegram-filescan/internal/scan/metrics"
	"github.com/Laisky/telegram-filescan/library/log"
)

// KafkaBus implements Bus on kafka topics. Subscribers sharing a group ID
// split a topic's messages, so only one scanner replica handles each request.
type KafkaBus struct {
	brokers []string
	groupID string
	writer  *kafka.Writer
	logger  logSDK.Logger
}

// NewKafkaBus builds a KafkaBus.
func NewKafkaBus(brokers []string, groupID string, logger logSDK.Logger) (*KafkaBus, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if groupID == "" {
		return nil, errors.New("kafka group id is required")
	}
	if logger == nil {
		logger = log.Logger.Named("kafka_bus")
	}

	return &KafkaBus{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}, nil
}

// Publish implements Bus.
func (b *KafkaBus) Publish(ctx context.Context, topic string, msg any) bool {
	payload, ok := encode(b.logger, topic, msg)
	if !ok {
		return false
	}

	if err := b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		b.logger.Error("publish bus message", zap.String("topic", topic), zap.Error(err))
		metrics.ObservePublish(topic, false)
		return false
	}

	metrics.ObservePublish(topic, true)
	return true
}

// Subscribe implements Bus. Offsets are committed after handler returns,
// malformed payloads included, so nothing is redelivered forever.
func (b *KafkaBus) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("no topics to subscribe")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     b.groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    1e6,
	})
	defer r.Close() // nolint: errcheck

	b.logger.Info("subscribed",
		zap.Strings("topics", topics),
		zap.String("group", b.groupID))
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch kafka message")
		}

		handler(ctx, Message{Topic: m.Topic, Payload: m.Value})

		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			b.logger.Warn("commit kafka offset",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
		}
	}
}

// Close flushes and closes the writer.
func (b *KafkaBus) Close() error {
	return errors.Wrap(b.writer.Close(), "close kafka writer")
}
