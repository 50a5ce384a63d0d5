package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/ir"
)

func TestReadRange_HalfOpen(t *testing.T) {
	s := createTestStore(t)
	conv := createTestConversation(t, s, "alice", "bob")
	appendTestMessages(t, s, conv.ID, "alice", 5)

	msgs, err := s.ReadRange(context.Background(), conv.ID, 2, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].Seq)
	assert.Equal(t, int64(4), msgs[1].Seq)
}

func TestReadRange_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)
	conv := createTestConversation(t, s, "alice", "bob")

	msgs, err := s.ReadRange(context.Background(), conv.ID, 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestReadBefore_Pages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")
	appendTestMessages(t, s, conv.ID, "alice", 5)

	page, err := s.ReadBefore(ctx, conv.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].Seq)
	assert.Equal(t, int64(5), page[1].Seq)

	page, err = s.ReadBefore(ctx, conv.ID, 4, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(1), page[0].Seq)
}

func TestReadMessage_RoundTripsContent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	conv := createTestConversation(t, s, "alice", "bob")

	msg := testMessage(conv.ID, "bob", 1, "<b>look</b> & see")
	msg.Content = ir.Content{
		Kind: ir.MessageImage,
		Text: "<b>look</b> & see",
		Media: []ir.MediaRef{{
			ID: "media-1", URL: "https://cdn.example/x.png", MimeType: "image/png", Bytes: 1024, Width: 64, Height: 48,
		}},
	}
	msg.ReplyTo = "msg-0"
	msg.ClientID = "c-1"
	_, _, err := s.AppendMessage(ctx, msg, 0)
	require.NoError(t, err)

	got, err := s.ReadMessage(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, "msg-0", got.ReplyTo)
	assert.Equal(t, "c-1", got.ClientID)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, time.UTC, got.CreatedAt.Location())

	var raw string
	require.NoError(t, s.db.QueryRow("SELECT content FROM messages WHERE id = ?", msg.ID).Scan(&raw))
	assert.Contains(t, raw, "<b>look</b> & see", "content is stored without HTML escaping")
}

func TestReadMessage_NotFound(t *testing.T) {
	s := createTestStore(t)
	conv := createTestConversation(t, s, "alice", "bob")

	_, err := s.ReadMessage(context.Background(), conv.ID, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.LastMessage(context.Background(), conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLastMessage(t *testing.T) {
	s := createTestStore(t)
	conv := createTestConversation(t, s, "alice", "bob")
	appendTestMessages(t, s, conv.ID, "bob", 3)

	last, err := s.LastMessage(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last.Seq)
}

func TestConversationsFor_OrderedByActivity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ab := createTestConversation(t, s, "alice", "bob")
	ac := createTestConversation(t, s, "alice", "carol")
	createTestConversation(t, s, "bob", "carol")

	// ac is touched later than ab
	_, _, err := s.AppendMessage(ctx, testMessage(ab.ID, "alice", 1, "first"), 0)
	require.NoError(t, err)
	later := testMessage(ac.ID, "carol", 1, "second")
	later.CreatedAt = testEpoch.Add(time.Hour)
	_, _, err = s.AppendMessage(ctx, later, 0)
	require.NoError(t, err)

	convs, err := s.ConversationsFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, ac.ID, convs[0].ID)
	assert.Equal(t, ab.ID, convs[1].ID)
	assert.Equal(t, int64(1), convs[0].LatestSeq)
	assert.True(t, later.CreatedAt.Equal(convs[0].LastActivity))
}

func TestConversation_Unknown(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Conversation(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownConversation)

	_, err = s.LatestSeq(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownConversation)
}
