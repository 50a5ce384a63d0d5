package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/ir"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const messageColumns = `
	SELECT id, conversation_id, seq, sender_id, COALESCE(client_id, ''), content, COALESCE(reply_to, ''), created_at
	FROM messages`

// Conversation returns a conversation with its sorted participant list.
// Returns ErrUnknownConversation if it does not exist.
func (s *Store) Conversation(ctx context.Context, id string) (ir.Conversation, error) {
	return readConversation(ctx, s.db, id)
}

func readConversation(ctx context.Context, q querier, id string) (ir.Conversation, error) {
	var (
		conv         ir.Conversation
		kind         string
		created      int64
		lastActivity int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, kind, latest_seq, created_at, last_activity
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &kind, &conv.LatestSeq, &created, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrUnknownConversation)
	}
	if err != nil {
		return ir.Conversation{}, fmt.Errorf("read conversation %s: %w", id, err)
	}
	conv.Kind = ir.ConversationKind(kind)
	conv.CreatedAt = fromMillis(created)
	conv.LastActivity = fromMillis(lastActivity)

	rows, err := q.QueryContext(ctx, `
		SELECT participant_id FROM participants
		WHERE conversation_id = ?
		ORDER BY participant_id ASC
	`, id)
	if err != nil {
		return ir.Conversation{}, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	conv.Participants = []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return ir.Conversation{}, fmt.Errorf("scan participant: %w", err)
		}
		conv.Participants = append(conv.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return ir.Conversation{}, fmt.Errorf("iterate participants: %w", err)
	}

	return conv, nil
}

// LatestSeq returns the highest allocated sequence of a conversation, or 0
// when it has no messages.
func (s *Store) LatestSeq(ctx context.Context, convID string) (int64, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx, `
		SELECT latest_seq FROM conversations WHERE id = ?
	`, convID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("conversation %s: %w", convID, ErrUnknownConversation)
	}
	if err != nil {
		return 0, fmt.Errorf("read latest seq: %w", err)
	}
	return latest, nil
}

// ReadRange returns messages with after < seq <= through in ascending seq
// order. Returns an empty slice (not nil) when the range is empty.
func (s *Store) ReadRange(ctx context.Context, convID string, after, through int64) ([]ir.Message, error) {
	rows, err := s.db.QueryContext(ctx, messageColumns+`
		WHERE conversation_id = ? AND seq > ? AND seq <= ?
		ORDER BY seq ASC
	`, convID, after, through)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ReadBefore returns up to limit messages with seq < before, in ascending
// seq order. A before of 0 means "from the end of the log".
func (s *Store) ReadBefore(ctx context.Context, convID string, before int64, limit int) ([]ir.Message, error) {
	if before <= 0 {
		before = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM (`+messageColumns+`
		WHERE conversation_id = ? AND seq < ?
		ORDER BY seq DESC
		LIMIT ?
	) ORDER BY seq ASC`, convID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query before: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ReadMessage retrieves a single message by ID within a conversation.
// Returns ErrNotFound if absent.
func (s *Store) ReadMessage(ctx context.Context, convID, id string) (ir.Message, error) {
	return scanMessageRow(s.db.QueryRowContext(ctx, messageColumns+`
		WHERE conversation_id = ? AND id = ?
	`, convID, id))
}

// LastMessage returns the highest-sequence message, or ErrNotFound when the
// conversation is empty.
func (s *Store) LastMessage(ctx context.Context, convID string) (ir.Message, error) {
	return scanMessageRow(s.db.QueryRowContext(ctx, messageColumns+`
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, convID))
}

// Cursor returns one participant's cursor.
func (s *Store) Cursor(ctx context.Context, convID, participantID string) (ir.Cursor, error) {
	return readCursor(ctx, s.db, convID, participantID)
}

func readCursor(ctx context.Context, q querier, convID, participantID string) (ir.Cursor, error) {
	cur := ir.Cursor{ConversationID: convID, ParticipantID: participantID}
	err := q.QueryRowContext(ctx, `
		SELECT delivered_seq, read_seq FROM cursors
		WHERE conversation_id = ? AND participant_id = ?
	`, convID, participantID).Scan(&cur.Delivered, &cur.Read)
	if errors.Is(err, sql.ErrNoRows) {
		if _, cerr := readConversation(ctx, q, convID); cerr != nil {
			return ir.Cursor{}, cerr
		}
		return ir.Cursor{}, fmt.Errorf("participant %s: %w", participantID, ErrNotParticipant)
	}
	if err != nil {
		return ir.Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	return cur, nil
}

// Cursors returns every participant cursor of a conversation ordered by
// participant ID.
func (s *Store) Cursors(ctx context.Context, convID string) ([]ir.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, delivered_seq, read_seq FROM cursors
		WHERE conversation_id = ?
		ORDER BY participant_id ASC
	`, convID)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	cursors := []ir.Cursor{}
	for rows.Next() {
		cur := ir.Cursor{ConversationID: convID}
		if err := rows.Scan(&cur.ParticipantID, &cur.Delivered, &cur.Read); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		cursors = append(cursors, cur)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return cursors, nil
}

// ConversationsFor returns the conversations a participant belongs to,
// most recently active first. Ties are broken by conversation ID.
func (s *Store) ConversationsFor(ctx context.Context, participantID string) ([]ir.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.participant_id = ?
		ORDER BY c.last_activity DESC, c.id ASC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	// Rows must be closed before the follow-up queries: the pool holds a
	// single connection.
	convs := make([]ir.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := readConversation(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// ConversationIDs returns every conversation ID in ascending order.
func (s *Store) ConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query conversation ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation ids: %w", err)
	}
	return ids, nil
}

func collectMessages(rows *sql.Rows) ([]ir.Message, error) {
	msgs := []ir.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (ir.Message, error) {
	var (
		msg     ir.Message
		content string
		created int64
	)
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&msg.SenderID,
		&msg.ClientID,
		&content,
		&msg.ReplyTo,
		&created,
	)
	if err != nil {
		return ir.Message{}, err
	}

	msg.Content, err = unmarshalContent(content)
	if err != nil {
		return ir.Message{}, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	msg.CreatedAt = fromMillis(created)
	return msg, nil
}

func scanMessageRow(row *sql.Row) (ir.Message, error) {
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Message{}, ErrNotFound
	}
	if err != nil {
		return ir.Message{}, fmt.Errorf("scan message: %w", err)
	}
	return msg, nil
}
