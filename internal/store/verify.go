package store

import (
	"context"
	"fmt"
)

// ViolationKind classifies an integrity failure found by Verify.
type ViolationKind string

const (
	// ViolationGap means a sequence number is missing from the log.
	ViolationGap ViolationKind = "gap"
	// ViolationLatestMismatch means latest_seq disagrees with the stored log.
	ViolationLatestMismatch ViolationKind = "latest_mismatch"
	// ViolationCursorOrder means read > delivered or delivered > latest.
	ViolationCursorOrder ViolationKind = "cursor_order"
)

// Violation describes one integrity failure in one conversation.
type Violation struct {
	ConversationID string
	Kind           ViolationKind
	Detail         string
}

// ConversationState is the integrity summary of a single conversation.
type ConversationState struct {
	ConversationID string
	LatestSeq      int64
	MessageCount   int64
	MaxSeq         int64
	Violations     []Violation
}

// Healthy reports whether no violations were found.
func (cs ConversationState) Healthy() bool {
	return len(cs.Violations) == 0
}

// VerifyConversation checks one conversation's log and cursors:
// sequences are exactly 1..latest_seq, and every cursor satisfies
// read <= delivered <= latest_seq.
func (s *Store) VerifyConversation(ctx context.Context, convID string) (ConversationState, error) {
	state := ConversationState{ConversationID: convID}

	latest, err := s.LatestSeq(ctx, convID)
	if err != nil {
		return state, fmt.Errorf("verify conversation: %w", err)
	}
	state.LatestSeq = latest

	// UNIQUE(conversation_id, seq) rules out duplicates, so count and max
	// together pin down gaps.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?
	`, convID).Scan(&state.MessageCount, &state.MaxSeq)
	if err != nil {
		return state, fmt.Errorf("verify conversation: count messages: %w", err)
	}

	if state.MaxSeq != latest {
		state.Violations = append(state.Violations, Violation{
			ConversationID: convID,
			Kind:           ViolationLatestMismatch,
			Detail:         fmt.Sprintf("latest_seq=%d but max stored seq=%d", latest, state.MaxSeq),
		})
	}
	if state.MessageCount != state.MaxSeq {
		missing, err := s.missingSeqs(ctx, convID)
		if err != nil {
			return state, fmt.Errorf("verify conversation: %w", err)
		}
		state.Violations = append(state.Violations, Violation{
			ConversationID: convID,
			Kind:           ViolationGap,
			Detail:         fmt.Sprintf("%d messages for max seq %d, missing %v", state.MessageCount, state.MaxSeq, missing),
		})
	}

	cursors, err := s.Cursors(ctx, convID)
	if err != nil {
		return state, fmt.Errorf("verify conversation: %w", err)
	}
	for _, cur := range cursors {
		if cur.Read > cur.Delivered || cur.Delivered > latest || cur.Read < 0 {
			state.Violations = append(state.Violations, Violation{
				ConversationID: convID,
				Kind:           ViolationCursorOrder,
				Detail: fmt.Sprintf("participant %s: read=%d delivered=%d latest=%d",
					cur.ParticipantID, cur.Read, cur.Delivered, latest),
			})
		}
	}

	return state, nil
}

// Verify checks every conversation in the store.
// Returns one state per conversation in ascending ID order.
func (s *Store) Verify(ctx context.Context) ([]ConversationState, error) {
	ids, err := s.ConversationIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	states := make([]ConversationState, 0, len(ids))
	for _, id := range ids {
		state, err := s.VerifyConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// missingSeqs lists up to 16 sequence numbers absent below the highest stored seq.
func (s *Store) missingSeqs(ctx context.Context, convID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq FROM messages WHERE conversation_id = ? ORDER BY seq ASC
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("query seqs: %w", err)
	}
	defer rows.Close()

	var missing []int64
	next := int64(1)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan seq: %w", err)
		}
		for ; next < seq && len(missing) < 16; next++ {
			missing = append(missing, next)
		}
		next = seq + 1
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seqs: %w", err)
	}
	return missing, nil
}
