package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/store"
)

// Index derives each participant's conversation list.
//
// Nothing here is cached: every summary is recomputed from the store, so
// the unread count is always latest - read regardless of the order in
// which messages and acknowledgements arrived.
type Index struct {
	store MessageStore
	subs  *SubscriptionManager
	out   *deliverer
}

// NewIndex creates a conversation index.
func NewIndex(s MessageStore, subs *SubscriptionManager, policy RetryPolicy) *Index {
	return &Index{
		store: s,
		subs:  subs,
		out:   &deliverer{subs: subs, policy: policy},
	}
}

// List returns the participant's conversations, most recently active first.
func (x *Index) List(ctx context.Context, participant string) ([]ir.Summary, error) {
	convs, err := x.store.ConversationsFor(ctx, participant)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]ir.Summary, 0, len(convs))
	for _, conv := range convs {
		s, err := x.summarize(ctx, conv, participant)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Summary returns one conversation's summary for participant.
func (x *Index) Summary(ctx context.Context, participant, convID string) (ir.Summary, error) {
	conv, err := x.store.Conversation(ctx, convID)
	if err != nil {
		return ir.Summary{}, mapStoreError(convID, participant, err)
	}
	if !conv.HasParticipant(participant) {
		return ir.Summary{}, NewNotParticipantError(convID, participant)
	}
	return x.summarize(ctx, conv, participant)
}

func (x *Index) summarize(ctx context.Context, conv ir.Conversation, participant string) (ir.Summary, error) {
	cursors, err := x.store.Cursors(ctx, conv.ID)
	if err != nil {
		return ir.Summary{}, fmt.Errorf("summarize %s: %w", conv.ID, err)
	}

	var readSeq int64
	for _, c := range cursors {
		if c.ParticipantID == participant {
			readSeq = c.Read
		}
	}

	s := ir.Summary{
		ConversationID: conv.ID,
		Kind:           conv.Kind,
		Participants:   conv.Participants,
		LatestSeq:      conv.LatestSeq,
		ReadSeq:        readSeq,
		Unread:         conv.LatestSeq - readSeq,
		LastActivity:   conv.LastActivity,
	}
	if s.Unread < 0 {
		s.Unread = 0
	}

	last, err := x.store.LastMessage(ctx, conv.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.Preview = ir.Preview(nil, participant)
	case err != nil:
		return ir.Summary{}, fmt.Errorf("summarize %s: %w", conv.ID, err)
	default:
		msgs := []ir.Message{last}
		DeriveStatus(msgs, cursors)
		s.LastMessage = &msgs[0]
		s.Preview = ir.Preview(s.LastMessage, participant)
	}

	return s, nil
}

// Push recomputes convID's summary for each participant with an open
// connection and delivers it.
func (x *Index) Push(ctx context.Context, convID string) error {
	conv, err := x.store.Conversation(ctx, convID)
	if err != nil {
		return mapStoreError(convID, "", err)
	}

	for _, p := range conv.Participants {
		conns := x.subs.ConnectionsFor(p)
		if len(conns) == 0 {
			continue
		}

		s, err := x.summarize(ctx, conv, p)
		if err != nil {
			return err
		}
		for _, conn := range conns {
			sum := s
			if err := x.out.send(ctx, conn, Outbound{Type: OutboundSummary, Summary: &sum}); err != nil {
				slog.Debug("summary delivery failed", "conn_id", conn.ID, "error", err)
			}
		}
	}
	return nil
}
