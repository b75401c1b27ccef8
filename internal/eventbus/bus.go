package eventbus

import (
	"context"
	"encoding/json"
	"strings"
)

// Message is one delivery on a topic.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler processes a delivered message. Handlers of one subscription run
// sequentially, in publish order.
type Handler func(ctx context.Context, msg Message)

// Bus is a topic-based publish/subscribe transport. Delivery is at-least-once
// for a live subscriber; consumers dedupe on instance id and version.
//
// A topic passed to Subscribe may end in "*" to match every topic with that
// prefix, e.g. "workflow:*".
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe registers h for topic until the returned cancel func is called
	// or ctx is done.
	Subscribe(ctx context.Context, topic string, h Handler) (cancel func(), err error)
	Close() error
}

// matchTopic reports whether topic matches a subscription pattern.
func matchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

func encode(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
