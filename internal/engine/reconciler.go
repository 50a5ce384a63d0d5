package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/store"
)

// Reconciler merges delivered/read acknowledgements into participant
// cursors and tells senders how far their messages have progressed.
//
// Cursors only move forward: acknowledgements are merged with a max, so a
// duplicate or out-of-order ack is a silent no-op rather than an error.
type Reconciler struct {
	store    MessageStore
	subs     *SubscriptionManager
	out      *deliverer
	halts    *haltRegistry
	clock    Clock
	notifier Notifier

	mu   sync.Mutex
	sent map[string]map[string]ir.Watermarks // conversation -> sender -> last broadcast
}

// NewReconciler creates a reconciler. notifier receives a CursorAdvanced
// event for every cursor that actually moved.
func NewReconciler(s MessageStore, subs *SubscriptionManager, policy RetryPolicy, halts *haltRegistry, clock Clock, notifier Notifier) *Reconciler {
	return &Reconciler{
		store:    s,
		subs:     subs,
		out:      &deliverer{subs: subs, policy: policy},
		halts:    halts,
		clock:    clock,
		notifier: notifier,
		sent:     make(map[string]map[string]ir.Watermarks),
	}
}

// MarkDelivered records that participant has received everything up to seq.
// Returns the resulting cursor and whether it moved.
func (r *Reconciler) MarkDelivered(ctx context.Context, convID, participant string, seq int64) (ir.Cursor, bool, error) {
	return r.advance(ctx, convID, participant, ir.CursorDelivered, seq)
}

// MarkRead records that participant has read everything up to seq.
// Reading implies delivery, so the delivered cursor moves too.
func (r *Reconciler) MarkRead(ctx context.Context, convID, participant string, seq int64) (ir.Cursor, bool, error) {
	return r.advance(ctx, convID, participant, ir.CursorRead, seq)
}

func (r *Reconciler) advance(ctx context.Context, convID, participant string, kind ir.CursorKind, seq int64) (ir.Cursor, bool, error) {
	if err := r.halts.Check(convID); err != nil {
		return ir.Cursor{}, false, err
	}
	if seq < 0 {
		return ir.Cursor{}, false, NewAckOutOfRangeError(convID, seq, 0)
	}

	before, err := r.store.Cursor(ctx, convID, participant)
	if err != nil {
		return ir.Cursor{}, false, mapStoreError(convID, participant, err)
	}

	latest, err := r.store.LatestSeq(ctx, convID)
	if err != nil {
		return ir.Cursor{}, false, mapStoreError(convID, participant, err)
	}
	if seq > latest {
		return ir.Cursor{}, false, NewAckOutOfRangeError(convID, seq, latest)
	}

	if (kind == ir.CursorRead && seq <= before.Read) || (kind == ir.CursorDelivered && seq <= before.Delivered) {
		slog.Debug("duplicate acknowledgement ignored",
			"conversation_id", convID,
			"participant", participant,
			"kind", kind,
			"seq", seq,
		)
		return before, false, nil
	}

	after, err := r.store.AdvanceCursor(ctx, convID, participant, kind, seq, r.clock.Now())
	if err != nil {
		return ir.Cursor{}, false, mapStoreError(convID, participant, err)
	}

	if err := r.checkCursor(ctx, after); err != nil {
		return after, false, err
	}

	moved := after != before
	if moved {
		slog.Debug("cursor advanced",
			"conversation_id", convID,
			"participant", participant,
			"kind", kind,
			"delivered", after.Delivered,
			"read", after.Read,
		)
		cur := after
		if err := r.notifier.Notify(ctx, Event{Type: EventCursorAdvanced, Cursor: &cur}); err != nil {
			slog.Warn("cursor notification failed",
				"conversation_id", convID,
				"participant", participant,
				"error", err,
			)
		}
	}
	return after, moved, nil
}

// checkCursor verifies read <= delivered <= latest after a write.
func (r *Reconciler) checkCursor(ctx context.Context, cur ir.Cursor) error {
	latest, err := r.store.LatestSeq(ctx, cur.ConversationID)
	if err != nil {
		return fmt.Errorf("check cursor: %w", err)
	}
	if cur.Read > cur.Delivered || cur.Delivered > latest {
		err := NewInvariantError(cur.ConversationID, fmt.Sprintf(
			"cursor for %s out of order: read=%d delivered=%d latest=%d",
			cur.ParticipantID, cur.Read, cur.Delivered, latest))
		r.halts.Halt(cur.ConversationID, err)
		return err
	}
	return nil
}

// Broadcast pushes fresh watermarks to every participant with an open
// connection whose watermarks changed since the last broadcast.
func (r *Reconciler) Broadcast(ctx context.Context, convID string) error {
	conv, err := r.store.Conversation(ctx, convID)
	if err != nil {
		return mapStoreError(convID, "", err)
	}
	cursors, err := r.store.Cursors(ctx, convID)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", convID, err)
	}

	for _, sender := range conv.Participants {
		conns := r.subs.ConnectionsFor(sender)
		if len(conns) == 0 {
			continue
		}

		wm := ComputeWatermarks(convID, sender, cursors)
		if !r.changed(wm) {
			continue
		}

		for _, conn := range conns {
			w := wm
			if err := r.out.send(ctx, conn, Outbound{Type: OutboundStatus, Status: &w}); err != nil {
				slog.Debug("status delivery failed", "conn_id", conn.ID, "error", err)
			}
		}
	}
	return nil
}

// SendWatermarks pushes the current watermarks of sender in convID to one
// connection, regardless of what was last broadcast.
func (r *Reconciler) SendWatermarks(ctx context.Context, conn *Connection, convID string) error {
	cursors, err := r.store.Cursors(ctx, convID)
	if err != nil {
		return fmt.Errorf("send watermarks: %w", err)
	}
	wm := ComputeWatermarks(convID, conn.Participant, cursors)
	return r.out.send(ctx, conn, Outbound{Type: OutboundStatus, Status: &wm})
}

func (r *Reconciler) changed(wm ir.Watermarks) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bySender := r.sent[wm.ConversationID]
	if bySender == nil {
		bySender = make(map[string]ir.Watermarks)
		r.sent[wm.ConversationID] = bySender
	}
	if prev, ok := bySender[wm.SenderID]; ok && prev == wm {
		return false
	}
	bySender[wm.SenderID] = wm
	return true
}

// ComputeWatermarks derives how far the other participants have progressed
// through sender's messages: ReadThrough is the lowest read cursor among
// them (everyone has read up to it) and DeliveredThrough the highest
// delivered cursor (someone has received up to it).
func ComputeWatermarks(convID, sender string, cursors []ir.Cursor) ir.Watermarks {
	wm := ir.Watermarks{ConversationID: convID, SenderID: sender}
	first := true
	for _, c := range cursors {
		if c.ParticipantID == sender {
			continue
		}
		if first || c.Read < wm.ReadThrough {
			wm.ReadThrough = c.Read
		}
		if c.Delivered > wm.DeliveredThrough {
			wm.DeliveredThrough = c.Delivered
		}
		first = false
	}
	return wm
}

// StatusOf returns the status of a message at seq as seen by its sender.
func StatusOf(seq int64, wm ir.Watermarks) ir.Status {
	switch {
	case seq <= wm.ReadThrough:
		return ir.StatusRead
	case seq <= wm.DeliveredThrough:
		return ir.StatusDelivered
	default:
		return ir.StatusSent
	}
}

// DeriveStatus fills in Status on each message from its sender's point of view.
func DeriveStatus(msgs []ir.Message, cursors []ir.Cursor) {
	marks := make(map[string]ir.Watermarks)
	for i := range msgs {
		m := &msgs[i]
		wm, ok := marks[m.SenderID]
		if !ok {
			wm = ComputeWatermarks(m.ConversationID, m.SenderID, cursors)
			marks[m.SenderID] = wm
		}
		m.Status = StatusOf(m.Seq, wm)
	}
}

// Forget drops broadcast state for convID. Used when a conversation resumes.
func (r *Reconciler) Forget(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sent, convID)
}

// mapStoreError converts store sentinels to RuntimeErrors.
func mapStoreError(convID, participant string, err error) error {
	switch {
	case errors.Is(err, store.ErrUnknownConversation):
		return NewUnknownConversationError(convID, err)
	case errors.Is(err, store.ErrNotParticipant):
		return NewNotParticipantError(convID, participant)
	default:
		return err
	}
}
