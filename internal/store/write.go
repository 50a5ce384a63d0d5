package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/convsync/internal/ir"
)

// CreateConversation inserts a conversation with its participant set.
// Returns the stored conversation and whether a new row was inserted.
//
// Creation is idempotent: conversation IDs are derived from the member set,
// so an existing row is returned unchanged with created=false. Each
// participant starts with zero cursors.
func (s *Store) CreateConversation(ctx context.Context, conv ir.Conversation) (stored ir.Conversation, created bool, err error) {
	if conv.ID == "" {
		return ir.Conversation{}, false, fmt.Errorf("create conversation: empty id")
	}
	if len(conv.Participants) == 0 {
		return ir.Conversation{}, false, fmt.Errorf("create conversation %s: no participants", conv.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Conversation{}, false, fmt.Errorf("create conversation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := toMillis(conv.CreatedAt)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, latest_seq, created_at, last_activity)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, conv.ID, string(conv.Kind), now, now)
	if err != nil {
		return ir.Conversation{}, false, fmt.Errorf("create conversation: insert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return ir.Conversation{}, false, fmt.Errorf("create conversation: rows affected: %w", err)
	}

	if rows > 0 {
		created = true
		for _, p := range conv.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO participants (conversation_id, participant_id, joined_at)
				VALUES (?, ?, ?)
			`, conv.ID, p, now); err != nil {
				return ir.Conversation{}, false, fmt.Errorf("create conversation: insert participant %s: %w", p, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cursors (conversation_id, participant_id, delivered_seq, read_seq, updated_at)
				VALUES (?, ?, 0, 0, ?)
			`, conv.ID, p, now); err != nil {
				return ir.Conversation{}, false, fmt.Errorf("create conversation: insert cursor %s: %w", p, err)
			}
		}
	}

	stored, err = readConversation(ctx, tx, conv.ID)
	if err != nil {
		return ir.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.Conversation{}, false, fmt.Errorf("create conversation: commit: %w", err)
	}

	return stored, created, nil
}

// AppendMessage stores msg at msg.Seq if and only if the conversation's
// latest sequence is still expectedLatest. msg.Seq must equal expectedLatest+1.
//
// Returns:
//   - ErrUnknownConversation if the conversation has no record
//   - ErrNotParticipant if the sender is not a member
//   - ErrSeqConflict if another writer allocated the sequence first
//
// A message whose client ID was already stored for the same sender returns
// the stored message with inserted=false and allocates nothing.
//
// On success the sender's delivered and read cursors advance to msg.Seq in
// the same transaction: a sender has always seen their own message.
func (s *Store) AppendMessage(ctx context.Context, msg ir.Message, expectedLatest int64) (stored ir.Message, inserted bool, err error) {
	if msg.Seq != expectedLatest+1 {
		return ir.Message{}, false, fmt.Errorf("append message: seq %d does not follow %d", msg.Seq, expectedLatest)
	}

	content, err := marshalContent(msg.Content)
	if err != nil {
		return ir.Message{}, false, fmt.Errorf("append message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Message{}, false, fmt.Errorf("append message: begin tx: %w", err)
	}
	defer tx.Rollback()

	if msg.ClientID != "" {
		existing, err := scanMessageRow(tx.QueryRowContext(ctx, messageColumns+`
			WHERE conversation_id = ? AND sender_id = ? AND client_id = ?
		`, msg.ConversationID, msg.SenderID, msg.ClientID))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return ir.Message{}, false, fmt.Errorf("append message: lookup client id: %w", err)
		}
	}

	var member int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM participants WHERE conversation_id = ? AND participant_id = ?
	`, msg.ConversationID, msg.SenderID).Scan(&member)
	if err != nil {
		return ir.Message{}, false, fmt.Errorf("append message: check sender: %w", err)
	}
	if member == 0 {
		if _, err := readConversation(ctx, tx, msg.ConversationID); err != nil {
			return ir.Message{}, false, fmt.Errorf("append message: %w", err)
		}
		return ir.Message{}, false, fmt.Errorf("append message: sender %s: %w", msg.SenderID, ErrNotParticipant)
	}

	created := toMillis(msg.CreatedAt)
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations SET latest_seq = ?, last_activity = ?
		WHERE id = ? AND latest_seq = ?
	`, msg.Seq, created, msg.ConversationID, expectedLatest)
	if err != nil {
		return ir.Message{}, false, fmt.Errorf("append message: advance latest: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return ir.Message{}, false, fmt.Errorf("append message: rows affected: %w", err)
	}
	if rows == 0 {
		return ir.Message{}, false, fmt.Errorf("append message seq %d: %w", msg.Seq, ErrSeqConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(id, conversation_id, seq, sender_id, client_id, kind, content, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		msg.SenderID,
		nullable(msg.ClientID),
		string(msg.Content.Kind),
		content,
		nullable(msg.ReplyTo),
		created,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ir.Message{}, false, fmt.Errorf("append message seq %d: %w", msg.Seq, ErrSeqConflict)
		}
		return ir.Message{}, false, fmt.Errorf("append message: insert: %w", err)
	}

	if err := advanceCursor(ctx, tx, msg.ConversationID, msg.SenderID, ir.CursorRead, msg.Seq, msg.CreatedAt); err != nil {
		return ir.Message{}, false, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.Message{}, false, fmt.Errorf("append message: commit: %w", err)
	}

	msg.CreatedAt = fromMillis(created)
	return msg, true, nil
}

// AdvanceCursor merges seq into a participant's cursor with MAX() and
// returns the resulting cursor. Advancing the read cursor also advances the
// delivered cursor. A seq at or below the stored value changes nothing.
//
// The caller is responsible for bounding seq by the conversation's latest
// sequence.
func (s *Store) AdvanceCursor(ctx context.Context, convID, participantID string, kind ir.CursorKind, seq int64, at time.Time) (ir.Cursor, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Cursor{}, fmt.Errorf("advance cursor: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := advanceCursor(ctx, tx, convID, participantID, kind, seq, at); err != nil {
		return ir.Cursor{}, fmt.Errorf("advance cursor: %w", err)
	}

	cur, err := readCursor(ctx, tx, convID, participantID)
	if err != nil {
		return ir.Cursor{}, fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.Cursor{}, fmt.Errorf("advance cursor: commit: %w", err)
	}
	return cur, nil
}

func advanceCursor(ctx context.Context, tx *sql.Tx, convID, participantID string, kind ir.CursorKind, seq int64, at time.Time) error {
	var (
		result sql.Result
		err    error
	)
	switch kind {
	case ir.CursorDelivered:
		result, err = tx.ExecContext(ctx, `
			UPDATE cursors SET delivered_seq = MAX(delivered_seq, ?), updated_at = ?
			WHERE conversation_id = ? AND participant_id = ?
		`, seq, toMillis(at), convID, participantID)
	case ir.CursorRead:
		result, err = tx.ExecContext(ctx, `
			UPDATE cursors SET read_seq = MAX(read_seq, ?), delivered_seq = MAX(delivered_seq, ?), updated_at = ?
			WHERE conversation_id = ? AND participant_id = ?
		`, seq, seq, toMillis(at), convID, participantID)
	default:
		return fmt.Errorf("unknown cursor kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("update %s cursor: %w", kind, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s cursor: rows affected: %w", kind, err)
	}
	if rows == 0 {
		if _, err := readConversation(ctx, tx, convID); err != nil {
			return err
		}
		return fmt.Errorf("participant %s: %w", participantID, ErrNotParticipant)
	}
	return nil
}
