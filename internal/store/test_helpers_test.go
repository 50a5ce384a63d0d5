package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/ir"
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestConversation creates a direct or group conversation for members.
func createTestConversation(t *testing.T, s *Store, members ...string) ir.Conversation {
	t.Helper()
	sorted, err := ir.NormalizeMembers(members)
	require.NoError(t, err)

	conv := ir.Conversation{Kind: ir.KindDirect, Participants: sorted, CreatedAt: testEpoch}
	if len(sorted) >= ir.MinGroupSize {
		conv.Kind = ir.KindGroup
		conv.ID, err = ir.GroupConversationID(sorted)
	} else {
		conv.ID, err = ir.DirectConversationID(sorted[0], sorted[1])
	}
	require.NoError(t, err)

	stored, _, err := s.CreateConversation(context.Background(), conv)
	require.NoError(t, err)
	return stored
}

// testMessage builds a text message at seq.
func testMessage(convID, sender string, seq int64, text string) ir.Message {
	return ir.Message{
		ID:             fmt.Sprintf("msg-%s-%d", convID, seq),
		ConversationID: convID,
		SenderID:       sender,
		Seq:            seq,
		CreatedAt:      testEpoch.Add(time.Duration(seq) * time.Second),
		Content:        ir.Content{Kind: ir.MessageText, Text: text},
	}
}

// appendTestMessages appends n text messages from sender.
func appendTestMessages(t *testing.T, s *Store, convID, sender string, n int) []ir.Message {
	t.Helper()
	ctx := context.Background()
	var out []ir.Message
	for i := 0; i < n; i++ {
		latest, err := s.LatestSeq(ctx, convID)
		require.NoError(t, err)
		msg, inserted, err := s.AppendMessage(ctx, testMessage(convID, sender, latest+1, fmt.Sprintf("m%d", latest+1)), latest)
		require.NoError(t, err)
		require.True(t, inserted)
		out = append(out, msg)
	}
	return out
}
