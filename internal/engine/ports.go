package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/convsync/internal/ir"
)

// MessageStore is the durable storage the engine runs against.
// Implemented by store.Store.
type MessageStore interface {
	CreateConversation(ctx context.Context, conv ir.Conversation) (ir.Conversation, bool, error)
	Conversation(ctx context.Context, id string) (ir.Conversation, error)
	LatestSeq(ctx context.Context, convID string) (int64, error)
	AppendMessage(ctx context.Context, msg ir.Message, expectedLatest int64) (ir.Message, bool, error)
	ReadRange(ctx context.Context, convID string, after, through int64) ([]ir.Message, error)
	ReadBefore(ctx context.Context, convID string, before int64, limit int) ([]ir.Message, error)
	ReadMessage(ctx context.Context, convID, id string) (ir.Message, error)
	LastMessage(ctx context.Context, convID string) (ir.Message, error)
	AdvanceCursor(ctx context.Context, convID, participantID string, kind ir.CursorKind, seq int64, at time.Time) (ir.Cursor, error)
	Cursor(ctx context.Context, convID, participantID string) (ir.Cursor, error)
	Cursors(ctx context.Context, convID string) ([]ir.Cursor, error)
	ConversationsFor(ctx context.Context, participantID string) ([]ir.Conversation, error)
}

// Notifier carries change events to every engine serving a store.
//
// The engine itself is the default Notifier (events go straight onto its
// own queue). A bus adapter publishes to a broker instead and feeds events
// received from the broker back through Engine.Enqueue.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify calls f(ctx, ev).
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// OutboundType distinguishes frames pushed to a connection.
type OutboundType string

const (
	OutboundMessage OutboundType = "message"
	OutboundStatus  OutboundType = "status"
	OutboundSummary OutboundType = "summary"
	OutboundError   OutboundType = "error"
)

// Outbound is one frame pushed to a connection's Sink.
// Exactly one payload field is set, matching Type.
type Outbound struct {
	Type    OutboundType
	Message *ir.Message
	Status  *ir.Watermarks
	Summary *ir.Summary
	Err     *RuntimeError
}

// ErrSinkClosed is returned by a Sink whose connection has gone away.
// Delivery is not retried.
var ErrSinkClosed = errors.New("sink closed")

// Sink is the client transport for one connection.
//
// Deliver must not block: it enqueues the frame for asynchronous writing
// and returns an error if the connection's buffer is full or closed.
type Sink interface {
	Deliver(out Outbound) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(out Outbound) error

// Deliver calls f(out).
func (f SinkFunc) Deliver(out Outbound) error {
	return f(out)
}
