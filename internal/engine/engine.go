package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/media"
	"github.com/roach88/convsync/internal/store"
)

// DefaultHistoryLimit bounds a History page when the caller passes no limit.
const DefaultHistoryLimit = 50

// Engine serves conversations: it accepts sends and acknowledgements from
// any goroutine and processes change events in a single Run loop.
//
// Thread-safety model:
//   - Send, Ack, Subscribe, OpenConnection, CloseConnection: any goroutine
//   - Enqueue/Notify: any goroutine
//   - Run: exactly one goroutine
//   - Drain: only while Run is not running
type Engine struct {
	store    MessageStore
	clock    Clock
	ids      IDGenerator
	queue    *eventQueue
	notifier Notifier
	halts    *haltRegistry
	quota    *SendQuota

	allocRetry    RetryPolicy
	deliveryRetry RetryPolicy

	subs       *SubscriptionManager
	allocator  *Allocator
	fanout     *Fanout
	reconciler *Reconciler
	index      *Index
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the time source for message timestamps.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for message and connection IDs.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNotifier routes change events through n instead of the engine's own
// queue. n is expected to feed events back through Enqueue.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithAllocatorRetry sets the sequence allocation retry policy.
func WithAllocatorRetry(p RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.allocRetry = p
	}
}

// WithDeliveryRetry sets the sink delivery retry policy.
func WithDeliveryRetry(p RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.deliveryRetry = p
	}
}

// WithSendQuota limits sends per participant.
func WithSendQuota(q *SendQuota) EngineOption {
	return func(e *Engine) {
		e.quota = q
	}
}

// New creates an Engine over s.
//
// Defaults: SystemClock, UUIDv7Generator, local notification queue,
// DefaultAllocatorRetry, DefaultDeliveryRetry, no send quota.
func New(s MessageStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         s,
		clock:         SystemClock{},
		ids:           UUIDv7Generator{},
		queue:         newEventQueue(),
		halts:         newHaltRegistry(),
		allocRetry:    DefaultAllocatorRetry,
		deliveryRetry: DefaultDeliveryRetry,
		subs:          NewSubscriptionManager(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.notifier == nil {
		e.notifier = e
	}
	e.subs.now = e.clock.Now

	e.allocator = NewAllocator(s, e.ids, e.clock, e.allocRetry)
	e.reconciler = NewReconciler(s, e.subs, e.deliveryRetry, e.halts, e.clock, e.notifier)
	e.fanout = NewFanout(s, e.subs, e.deliveryRetry, e.halts, e.markDelivered)
	e.index = NewIndex(s, e.subs, e.deliveryRetry)

	return e
}

// Enqueue submits an event for processing by the Run loop.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev Event) bool {
	return e.queue.Enqueue(ev)
}

// Notify implements Notifier by enqueuing locally.
func (e *Engine) Notify(_ context.Context, ev Event) error {
	if !e.queue.Enqueue(ev) {
		return fmt.Errorf("notify %s: engine stopped", ev.Type)
	}
	return nil
}

// QueueLen returns the number of pending events.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Subscriptions exposes the connection registry.
func (e *Engine) Subscriptions() *SubscriptionManager {
	return e.subs
}

// Run starts the single-writer event loop.
// Blocks until context is cancelled or Stop() is called.
//
// On event processing failure, the error is logged with full event
// context and processing continues: a failed push is repaired by the
// next event's gap fill or by the client resubscribing.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")

	for {
		if event, ok := e.queue.TryDequeue(); ok {
			if err := e.processEvent(ctx, event); err != nil {
				logEventError(event, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed, so a
			// wakeup with nothing queued may be a stale signal or shutdown.
			if e.queue.Len() == 0 && e.queue.Closed() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Drain processes queued events synchronously until the queue is empty,
// including events emitted while draining. Returns the number processed.
// Must not be called while Run is running.
func (e *Engine) Drain(ctx context.Context) int {
	n := 0
	for {
		event, ok := e.queue.TryDequeue()
		if !ok {
			return n
		}
		if err := e.processEvent(ctx, event); err != nil {
			logEventError(event, err)
		}
		n++
	}
}

func (e *Engine) processEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case EventMessageAppended:
		if event.Message == nil {
			return fmt.Errorf("message event missing message data")
		}
		e.fanout.Publish(ctx, *event.Message)
		if err := e.index.Push(ctx, event.Message.ConversationID); err != nil {
			return fmt.Errorf("push summaries: %w", err)
		}
		return nil

	case EventCursorAdvanced:
		if event.Cursor == nil {
			return fmt.Errorf("cursor event missing cursor data")
		}
		if err := e.reconciler.Broadcast(ctx, event.Cursor.ConversationID); err != nil {
			return fmt.Errorf("broadcast status: %w", err)
		}
		if err := e.index.Push(ctx, event.Cursor.ConversationID); err != nil {
			return fmt.Errorf("push summaries: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

func logEventError(event Event, err error) {
	slog.Error("event processing failed",
		"type", event.Type.String(),
		"conversation_id", event.ConversationID(),
		"error", err,
	)
}

// markDelivered is the fan-out delivery hook.
func (e *Engine) markDelivered(ctx context.Context, convID, participant string, seq int64) {
	if _, _, err := e.reconciler.MarkDelivered(ctx, convID, participant, seq); err != nil {
		slog.Warn("mark delivered failed",
			"conversation_id", convID,
			"participant", participant,
			"seq", seq,
			"error", err,
		)
	}
}

// OpenConnection registers a transport connection for participant.
func (e *Engine) OpenConnection(participant string, sink Sink) (*Connection, error) {
	p, err := ir.NormalizeParticipant(participant)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	return e.subs.Open(e.ids.Generate(), p, sink)
}

// CloseConnection releases a connection and all of its watches.
func (e *Engine) CloseConnection(connID string) bool {
	return e.subs.Close(connID)
}

// Subscribe starts streaming convID to the connection, replaying every
// message after since first. The connection then receives the current
// status watermarks and conversation summary.
// Returns the last sequence delivered by the replay.
func (e *Engine) Subscribe(ctx context.Context, connID, convID string, since int64) (int64, error) {
	conn, ok := e.subs.Get(connID)
	if !ok {
		return 0, fmt.Errorf("subscribe: connection %s: %w", connID, ErrSinkClosed)
	}
	if err := e.halts.Check(convID); err != nil {
		return 0, err
	}

	conv, err := e.store.Conversation(ctx, convID)
	if err != nil {
		return 0, mapStoreError(convID, conn.Participant, err)
	}
	if !conv.HasParticipant(conn.Participant) {
		return 0, NewNotParticipantError(convID, conn.Participant)
	}

	last, err := e.fanout.Subscribe(ctx, conn, convID, since)
	if err != nil {
		return last, err
	}

	if err := e.reconciler.SendWatermarks(ctx, conn, convID); err != nil {
		slog.Debug("initial watermarks not delivered", "conn_id", connID, "error", err)
	}
	if s, err := e.index.Summary(ctx, conn.Participant, convID); err == nil {
		_ = e.index.out.send(ctx, conn, Outbound{Type: OutboundSummary, Summary: &s})
	}

	return last, nil
}

// Unsubscribe stops streaming convID to the connection.
func (e *Engine) Unsubscribe(connID, convID string) {
	e.subs.Unwatch(connID, convID)
}

// Send validates draft and appends it to its conversation.
//
// Resubmitting a draft with the same ClientID returns the originally
// stored message without allocating a new sequence.
func (e *Engine) Send(ctx context.Context, draft ir.Draft) (ir.Message, error) {
	sender, err := ir.NormalizeParticipant(draft.SenderID)
	if err != nil {
		return ir.Message{}, NewInvalidMessageError(draft.ConversationID, err)
	}
	draft.SenderID = sender
	draft.Content = draft.Content.Normalize()
	if err := draft.Content.Validate(); err != nil {
		return ir.Message{}, NewInvalidMessageError(draft.ConversationID, err)
	}
	if err := media.ValidateContent(draft.Content); err != nil {
		return ir.Message{}, NewInvalidMessageError(draft.ConversationID, err)
	}

	if err := e.halts.Check(draft.ConversationID); err != nil {
		return ir.Message{}, err
	}

	conv, err := e.store.Conversation(ctx, draft.ConversationID)
	if err != nil {
		return ir.Message{}, mapStoreError(draft.ConversationID, sender, err)
	}
	if !conv.HasParticipant(sender) {
		return ir.Message{}, NewNotParticipantError(conv.ID, sender)
	}

	if err := e.quota.Check(sender, e.clock.Now()); err != nil {
		return ir.Message{}, &RuntimeError{
			Code:           ErrCodeRateLimited,
			Message:        "send quota exceeded",
			ConversationID: conv.ID,
			Err:            err,
		}
	}

	if draft.ReplyTo != "" {
		if _, err := e.store.ReadMessage(ctx, conv.ID, draft.ReplyTo); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ir.Message{}, NewInvalidMessageError(conv.ID,
					fmt.Errorf("reply_to %s: no such message in conversation", draft.ReplyTo))
			}
			return ir.Message{}, fmt.Errorf("send: check reply_to: %w", err)
		}
	}

	msg, inserted, err := e.allocator.Append(ctx, draft)
	if err != nil {
		return ir.Message{}, err
	}

	if inserted {
		m := msg
		if err := e.notifier.Notify(ctx, Event{Type: EventMessageAppended, Message: &m}); err != nil {
			// The message is durable; watchers pick it up on their next gap fill.
			slog.Warn("message notification failed",
				"conversation_id", msg.ConversationID,
				"seq", msg.Seq,
				"error", err,
			)
		}
	}

	msg.Status = ir.StatusSent
	if !inserted {
		// A resubmission may find the original already delivered or read.
		cursors, err := e.store.Cursors(ctx, msg.ConversationID)
		if err != nil {
			slog.Warn("status of resubmitted message unknown",
				"conversation_id", msg.ConversationID,
				"seq", msg.Seq,
				"error", err,
			)
			return msg, nil
		}
		msgs := []ir.Message{msg}
		DeriveStatus(msgs, cursors)
		msg = msgs[0]
	}
	return msg, nil
}

// SendDirect sends to the direct conversation between the sender and peer,
// creating the conversation on first use.
func (e *Engine) SendDirect(ctx context.Context, peer string, draft ir.Draft) (ir.Message, error) {
	conv, err := e.EnsureDirect(ctx, draft.SenderID, peer)
	if err != nil {
		return ir.Message{}, err
	}
	draft.ConversationID = conv.ID
	return e.Send(ctx, draft)
}

// EnsureDirect returns the direct conversation between a and b, creating it
// if needed.
func (e *Engine) EnsureDirect(ctx context.Context, a, b string) (ir.Conversation, error) {
	members, err := ir.NormalizeMembers([]string{a, b})
	if err != nil {
		return ir.Conversation{}, NewInvalidMessageError("", err)
	}
	id, err := ir.DirectConversationID(a, b)
	if err != nil {
		return ir.Conversation{}, NewInvalidMessageError("", err)
	}
	return e.create(ctx, ir.Conversation{ID: id, Kind: ir.KindDirect, Participants: members})
}

// CreateGroup creates (or returns) the group conversation of creator and
// members. The ID is derived from the member set, so creating the same
// group twice yields the same conversation.
func (e *Engine) CreateGroup(ctx context.Context, creator string, members []string) (ir.Conversation, error) {
	all, err := ir.NormalizeMembers(append([]string{creator}, members...))
	if err != nil {
		return ir.Conversation{}, NewInvalidMessageError("", err)
	}
	id, err := ir.GroupConversationID(all)
	if err != nil {
		return ir.Conversation{}, NewInvalidMessageError("", err)
	}
	return e.create(ctx, ir.Conversation{ID: id, Kind: ir.KindGroup, Participants: all})
}

func (e *Engine) create(ctx context.Context, conv ir.Conversation) (ir.Conversation, error) {
	conv.CreatedAt = e.clock.Now()
	stored, created, err := e.store.CreateConversation(ctx, conv)
	if err != nil {
		return ir.Conversation{}, fmt.Errorf("create conversation %s: %w", conv.ID, err)
	}
	if created {
		slog.Info("conversation created",
			"conversation_id", stored.ID,
			"kind", stored.Kind,
			"participants", len(stored.Participants),
		)
	}
	return stored, nil
}

// Ack merges an acknowledgement into participant's cursor.
// Duplicate and out-of-order acks return the unchanged cursor.
func (e *Engine) Ack(ctx context.Context, participant, convID string, kind ir.CursorKind, seq int64) (ir.Cursor, error) {
	var (
		cur ir.Cursor
		err error
	)
	switch kind {
	case ir.CursorDelivered:
		cur, _, err = e.reconciler.MarkDelivered(ctx, convID, participant, seq)
	case ir.CursorRead:
		cur, _, err = e.reconciler.MarkRead(ctx, convID, participant, seq)
	default:
		return ir.Cursor{}, fmt.Errorf("ack: unknown cursor kind %q", kind)
	}
	return cur, err
}

// Conversations returns participant's conversation list.
func (e *Engine) Conversations(ctx context.Context, participant string) ([]ir.Summary, error) {
	return e.index.List(ctx, participant)
}

// Summary returns one conversation summary for participant.
func (e *Engine) Summary(ctx context.Context, participant, convID string) (ir.Summary, error) {
	return e.index.Summary(ctx, participant, convID)
}

// History returns up to limit messages before seq `before` (0 = newest),
// oldest first, with statuses derived from current cursors.
func (e *Engine) History(ctx context.Context, participant, convID string, before int64, limit int) ([]ir.Message, error) {
	conv, err := e.store.Conversation(ctx, convID)
	if err != nil {
		return nil, mapStoreError(convID, participant, err)
	}
	if !conv.HasParticipant(participant) {
		return nil, NewNotParticipantError(convID, participant)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	msgs, err := e.store.ReadBefore(ctx, convID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", convID, err)
	}
	cursors, err := e.store.Cursors(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", convID, err)
	}
	DeriveStatus(msgs, cursors)
	return msgs, nil
}

// Range returns messages with from < seq <= to, oldest first, with
// derived statuses. A to of 0 means through the latest sequence.
func (e *Engine) Range(ctx context.Context, participant, convID string, from, to int64) ([]ir.Message, error) {
	conv, err := e.store.Conversation(ctx, convID)
	if err != nil {
		return nil, mapStoreError(convID, participant, err)
	}
	if !conv.HasParticipant(participant) {
		return nil, NewNotParticipantError(convID, participant)
	}
	if to <= 0 || to > conv.LatestSeq {
		to = conv.LatestSeq
	}
	if from < 0 {
		from = 0
	}

	msgs, err := e.store.ReadRange(ctx, convID, from, to)
	if err != nil {
		return nil, NewGapReplayError(convID, from, to, err)
	}
	cursors, err := e.store.Cursors(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", convID, err)
	}
	DeriveStatus(msgs, cursors)
	return msgs, nil
}

// Presence reports whether participant is connected to this engine.
func (e *Engine) Presence(participant string) (ir.Presence, error) {
	p, err := ir.NormalizeParticipant(participant)
	if err != nil {
		return ir.Presence{}, fmt.Errorf("presence: %w", err)
	}
	return e.subs.Presence(p), nil
}

// Resume clears a halted conversation. Returns false if it was not halted.
func (e *Engine) Resume(convID string) bool {
	e.reconciler.Forget(convID)
	return e.halts.Resume(convID)
}

// Halted returns halted conversations and the violations that halted them.
func (e *Engine) Halted() map[string]error {
	return e.halts.List()
}
