package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/convsync/internal/ir"
)

// deliverer pushes frames to sinks with bounded retry. A connection whose
// sink keeps failing is closed, which releases all of its watches.
type deliverer struct {
	subs   *SubscriptionManager
	policy RetryPolicy
}

func (d *deliverer) send(ctx context.Context, conn *Connection, out Outbound) error {
	if conn.Closed() {
		return ErrSinkClosed
	}

	attempts := 0
	op := func() error {
		attempts++
		err := conn.sink.Deliver(out)
		if errors.Is(err, ErrSinkClosed) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, d.policy.backOff(ctx)); err != nil {
		slog.Warn("delivery failed, closing connection",
			"conn_id", conn.ID,
			"participant", conn.Participant,
			"frame", out.Type,
			"attempts", attempts,
			"error", err,
		)
		d.subs.Close(conn.ID)
		return fmt.Errorf("deliver to %s: %w", conn.ID, err)
	}
	return nil
}

// DeliveryHook is told the highest sequence handed to a participant's
// connection after each replay or live push.
type DeliveryHook func(ctx context.Context, convID, participant string, seq int64)

// Fanout streams conversation messages to watching connections.
//
// Every stream emits sequences strictly in order with no duplicates:
// a message at or below the stream's last sequence is discarded, the next
// sequence is delivered, and anything further ahead is preceded by a read
// of the missing range from the store.
type Fanout struct {
	store       MessageStore
	subs        *SubscriptionManager
	out         *deliverer
	halts       *haltRegistry
	onDelivered DeliveryHook
}

// NewFanout creates a fan-out engine over the given store and subscriptions.
func NewFanout(s MessageStore, subs *SubscriptionManager, policy RetryPolicy, halts *haltRegistry, hook DeliveryHook) *Fanout {
	return &Fanout{
		store:       s,
		subs:        subs,
		out:         &deliverer{subs: subs, policy: policy},
		halts:       halts,
		onDelivered: hook,
	}
}

// Subscribe starts streaming convID to conn from after since.
//
// The watch is registered pending before the latest sequence is read, and
// the stream lock is held through the replay, so a message appended while
// the replay runs is either part of the replay or delivered right after it.
// Subscribing again on a watched stream never rewinds it: since is raised
// to the last sequence already delivered. Returns the last sequence
// delivered.
func (f *Fanout) Subscribe(ctx context.Context, conn *Connection, convID string, since int64) (int64, error) {
	st, err := f.subs.Watch(conn.ID, convID)
	if err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", convID, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if since < 0 {
		since = 0
	}

	latest, err := f.store.LatestSeq(ctx, convID)
	if err != nil {
		if !st.ready {
			f.subs.Unwatch(conn.ID, convID)
		}
		return st.last, NewGapReplayError(convID, since, since, err)
	}

	if since > latest {
		slog.Warn("subscriber ahead of conversation, clamping",
			"conn_id", conn.ID,
			"conversation_id", convID,
			"since", since,
			"latest", latest,
		)
		since = latest
	}
	if st.ready && since < st.last {
		since = st.last
	}

	start := since
	st.last = since
	st.ready = true
	if err := f.fillLocked(ctx, st, latest); err != nil {
		f.subs.Unwatch(conn.ID, convID)
		return st.last, err
	}

	slog.Debug("subscription replayed",
		"conn_id", conn.ID,
		"conversation_id", convID,
		"since", start,
		"replayed", st.last-start,
	)

	if st.last > start {
		f.delivered(ctx, st)
	}
	return st.last, nil
}

// Publish pushes msg to every stream watching its conversation.
// Failures affect only the failing stream; they are logged, not returned.
func (f *Fanout) Publish(ctx context.Context, msg ir.Message) {
	if err := f.halts.Check(msg.ConversationID); err != nil {
		slog.Debug("publish skipped for halted conversation",
			"conversation_id", msg.ConversationID,
			"seq", msg.Seq,
		)
		return
	}

	for _, st := range f.subs.Watchers(msg.ConversationID) {
		if err := f.push(ctx, st, msg); err != nil {
			slog.Warn("stream push failed",
				"conn_id", st.conn.ID,
				"conversation_id", msg.ConversationID,
				"seq", msg.Seq,
				"error", err,
			)
		}
	}
}

func (f *Fanout) push(ctx context.Context, st *stream, msg ir.Message) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.live() {
		return nil
	}
	if !st.ready {
		slog.Debug("publication before replay skipped",
			"conn_id", st.conn.ID,
			"conversation_id", st.convID,
			"seq", msg.Seq,
		)
		return nil
	}

	if msg.Seq <= st.last {
		slog.Debug("duplicate publication discarded",
			"conn_id", st.conn.ID,
			"conversation_id", st.convID,
			"seq", msg.Seq,
			"last", st.last,
		)
		return nil
	}

	if msg.Seq > st.last+1 {
		if err := f.fillLocked(ctx, st, msg.Seq-1); err != nil {
			f.abort(ctx, st, err)
			return err
		}
	}

	if err := f.deliverLocked(ctx, st, msg); err != nil {
		return err
	}

	f.delivered(ctx, st)
	return nil
}

// fillLocked delivers (st.last, through] from the store. Caller holds st.mu.
func (f *Fanout) fillLocked(ctx context.Context, st *stream, through int64) error {
	if through <= st.last {
		return nil
	}

	after := st.last
	msgs, err := f.store.ReadRange(ctx, st.convID, after, through)
	if err != nil {
		return NewGapReplayError(st.convID, after, through, err)
	}

	for i := range msgs {
		if want := after + int64(i) + 1; msgs[i].Seq != want {
			return f.violation(st.convID, fmt.Sprintf("range (%d, %d] returned seq %d at position %d, want %d",
				after, through, msgs[i].Seq, i, want))
		}
	}
	if int64(len(msgs)) != through-after {
		return f.violation(st.convID, fmt.Sprintf("range (%d, %d] returned %d messages, want %d",
			after, through, len(msgs), through-after))
	}

	for i := range msgs {
		if err := f.deliverLocked(ctx, st, msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fanout) deliverLocked(ctx context.Context, st *stream, msg ir.Message) error {
	if !st.live() {
		return ErrSinkClosed
	}
	if err := f.out.send(ctx, st.conn, Outbound{Type: OutboundMessage, Message: &msg}); err != nil {
		return err
	}
	st.last = msg.Seq
	return nil
}

func (f *Fanout) delivered(ctx context.Context, st *stream) {
	if f.onDelivered != nil {
		f.onDelivered(ctx, st.convID, st.conn.Participant, st.last)
	}
}

func (f *Fanout) violation(convID, detail string) error {
	err := NewInvariantError(convID, detail)
	f.halts.Halt(convID, err)
	return err
}

// abort tells the subscriber its stream broke and drops the watch.
// The client must resubscribe with its last seen sequence.
func (f *Fanout) abort(ctx context.Context, st *stream, cause error) {
	var re *RuntimeError
	if errors.As(cause, &re) {
		_ = f.out.send(ctx, st.conn, Outbound{Type: OutboundError, Err: re})
	}
	f.subs.Unwatch(st.conn.ID, st.convID)
}
