package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/convsync/internal/engine"
)

// DefaultTopic is the Redis channel / NATS subject used when none is set.
const DefaultTopic = "convsync.events"

// Handler receives decoded events. It must not block for long; engines pass
// Engine.Enqueue.
type Handler func(engine.Event)

// Bus publishes engine events and delivers events from all publishers.
type Bus interface {
	engine.Notifier

	// Run delivers received events to h until ctx is cancelled or the bus
	// is closed.
	Run(ctx context.Context, h Handler) error

	// Close releases the underlying connection.
	Close() error
}

// envelope is the wire form of an event. Origin identifies the publishing
// node for logs only.
type envelope struct {
	Origin string       `json:"origin,omitempty"`
	Event  engine.Event `json:"event"`
}

func encode(origin string, ev engine.Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Origin: origin, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return data, nil
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode event: %w", err)
	}
	switch env.Event.Type {
	case engine.EventMessageAppended:
		if env.Event.Message == nil {
			return envelope{}, fmt.Errorf("decode event: message_appended without message")
		}
	case engine.EventCursorAdvanced:
		if env.Event.Cursor == nil {
			return envelope{}, fmt.Errorf("decode event: cursor_advanced without cursor")
		}
	default:
		return envelope{}, fmt.Errorf("decode event: unknown type %d", env.Event.Type)
	}
	return env, nil
}
