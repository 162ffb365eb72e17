package bus

import (
	"context"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/telegram-filescan/internal/scan/metrics"
	rlibs "github.com/Laisky/telegram-filescan/library/db/redis"
	"github.com/Laisky/telegram-filescan/library/log"
)

// RedisBus implements Bus on redis pub/sub. Every subscriber of a topic
// receives every message.
type RedisBus struct {
	db     *rlibs.DB
	logger logSDK.Logger
}

// NewRedisBus builds a RedisBus.
func NewRedisBus(db *rlibs.DB, logger logSDK.Logger) (*RedisBus, error) {
	if db == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = log.Logger.Named("redis_bus")
	}

	return &RedisBus{db: db, logger: logger}, nil
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg any) bool {
	payload, ok := encode(b.logger, topic, msg)
	if !ok {
		return false
	}

	if err := b.db.Publish(ctx, topic, payload); err != nil {
		b.logger.Error("publish bus message", zap.String("topic", topic), zap.Error(err))
		metrics.ObservePublish(topic, false)
		return false
	}

	metrics.ObservePublish(topic, true)
	return true
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("no topics to subscribe")
	}

	sub, err := b.db.Subscribe(ctx, topics...)
	if err != nil {
		return errors.Wrapf(err, "subscribe %v", topics)
	}
	defer sub.Close() // nolint: errcheck

	b.logger.Info("subscribed", zap.Strings("topics", topics))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			handler(ctx, Message{Topic: m.Channel, Payload: []byte(m.Payload)})
		}
	}
}

// Close implements Bus. The redis client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}
