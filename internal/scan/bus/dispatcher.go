package bus

import (
	"context"

	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/telegram-filescan/library/log"
)

// Dispatcher routes deliveries to per-topic handlers.
type Dispatcher struct {
	logger   logSDK.Logger
	handlers map[string]Handler
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher(logger logSDK.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Logger.Named("dispatcher")
	}

	return &Dispatcher{logger: logger, handlers: make(map[string]Handler)}
}

// Handle registers h for topic, replacing any earlier handler.
func (d *Dispatcher) Handle(topic string, h Handler) {
	d.handlers[topic] = h
}

// Topics lists the registered topics.
func (d *Dispatcher) Topics() []string {
	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}

	return topics
}

// Dispatch is a Handler that forwards msg to the handler of its topic.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	h, ok := d.handlers[msg.Topic]
	if !ok {
		d.logger.Warn("no handler for topic", zap.String("topic", msg.Topic))
		return
	}

	h(ctx, msg)
}

// JSON returns a Handler decoding each payload into a fresh T before calling
// fn. Malformed payloads are logged and dropped.
func JSON[T any](logger logSDK.Logger, fn func(ctx context.Context, v T)) Handler {
	return func(ctx context.Context, msg Message) {
		var v T
		if err := Decode(msg, &v); err != nil {
			logger.Warn("drop malformed bus message",
				zap.String("topic", msg.Topic),
				zap.ByteString("payload", msg.Payload),
				zap.Error(err))
			return
		}

		fn(ctx, v)
	}
}

// Run subscribes b to every registered topic and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, b Bus) error {
	return b.Subscribe(ctx, d.Topics(), d.Dispatch)
}
