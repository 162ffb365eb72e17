// Package bus carries scan requests and delete instructions between processes.
package bus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/metrics"
)

// Message is one delivery received from a subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes one delivery. It must not block for long.
type Handler func(ctx context.Context, msg Message)

// Bus is a fire-and-forget publish/subscribe transport.
type Bus interface {
	// Publish encodes msg as JSON and reports whether the transport accepted it.
	// Failures are logged, never returned.
	Publish(ctx context.Context, topic string, msg any) bool
	// Subscribe delivers messages on topics to handler until ctx is done.
	Subscribe(ctx context.Context, topics []string, handler Handler) error
	Close() error
}

// ScanRequested asks a scanner to scan the file attached to a message.
type ScanRequested = scan.MessageRef

// DeleteInstruction asks the bot host to delete a message.
type DeleteInstruction struct {
	scan.MessageRef
	Reason string `json:"reason,omitempty"`
}

// DeleteTopic derives the delete-instruction topic of the process reachable
// at addr. Characters outside [A-Za-z0-9._-] are replaced with '_' so the
// name is valid for both redis and kafka.
func DeleteTopic(prefix, addr string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, r := range strings.ToLower(strings.TrimSpace(addr)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}

	return sb.String()
}

// encode marshals msg, logging and counting failures against topic.
func encode(logger logSDK.Logger, topic string, msg any) ([]byte, bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Error("encode bus message", zap.String("topic", topic), zap.Error(err))
		metrics.ObservePublish(topic, false)
		return nil, false
	}

	return payload, true
}

// Decode parses a JSON payload into v.
func Decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return errors.Wrapf(err, "decode message on %s", msg.Topic)
	}

	return nil
}
