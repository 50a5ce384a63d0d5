package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchange is a flow where alice sends two messages and bob reads the first.
var exchange = []FlowStep{
	{Do: DoConnect, As: "bob", Conn: "b1"},
	{Do: DoSubscribe, Conn: "b1", Conversation: "ab"},
	{Do: DoSend, As: "alice", Conversation: "ab", Text: "one"},
	{Do: DoSend, As: "alice", Conversation: "ab", Text: "two"},
	{Do: DoAck, As: "bob", Conversation: "ab", Cursor: "read", Seq: 1},
}

func TestAssertions_Pass(t *testing.T) {
	result, err := Run(directScenario(exchange,
		Assertion{Type: AssertReceived, Conn: "b1", Conversation: "ab", Seqs: []int64{1, 2}},
		Assertion{Type: AssertStatus, As: "alice", Conversation: "ab", Seq: 1, Status: "read"},
		Assertion{Type: AssertStatus, As: "alice", Conversation: "ab", Seq: 2, Status: "delivered"},
		Assertion{Type: AssertUnread, As: "bob", Conversation: "ab", Count: 1},
		Assertion{Type: AssertCursor, As: "bob", Conversation: "ab", Delivered: int64p(2), Read: int64p(1)},
		Assertion{Type: AssertLatestSeq, Conversation: "ab", Seq: 2},
		Assertion{Type: AssertHealthy},
	))
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestAssertions_Fail(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "received wrong order",
			assertion: Assertion{Type: AssertReceived, Conn: "b1", Conversation: "ab", Seqs: []int64{2, 1}},
			want:      "received [1 2]",
		},
		{
			name:      "received on unknown connection",
			assertion: Assertion{Type: AssertReceived, Conn: "zz", Conversation: "ab", Seqs: []int64{1}},
			want:      "received []",
		},
		{
			name:      "status mismatch",
			assertion: Assertion{Type: AssertStatus, As: "alice", Conversation: "ab", Seq: 2, Status: "read"},
			want:      "Actual: delivered",
		},
		{
			name:      "status of missing message",
			assertion: Assertion{Type: AssertStatus, As: "alice", Conversation: "ab", Seq: 9, Status: "sent"},
			want:      "message not found",
		},
		{
			name:      "unread mismatch",
			assertion: Assertion{Type: AssertUnread, As: "bob", Conversation: "ab", Count: 0},
			want:      "1 unread",
		},
		{
			name:      "delivered cursor mismatch",
			assertion: Assertion{Type: AssertCursor, As: "bob", Conversation: "ab", Delivered: int64p(1)},
			want:      "delivered = 2",
		},
		{
			name:      "read cursor mismatch",
			assertion: Assertion{Type: AssertCursor, As: "bob", Conversation: "ab", Read: int64p(2)},
			want:      "read = 1",
		},
		{
			name:      "latest seq mismatch",
			assertion: Assertion{Type: AssertLatestSeq, Conversation: "ab", Seq: 5},
			want:      "latest_seq = 2",
		},
		{
			name:      "unknown type",
			assertion: Assertion{Type: "vibes"},
			want:      `unknown assertion type "vibes"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(directScenario(exchange, tt.assertion))
			require.NoError(t, err)
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.want)
		})
	}
}

func TestEvaluateAssertions_WithoutContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: AssertHealthy}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires an engine context")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertReceived,
		Expected: "b1 received ab seqs [1 2]",
		Actual:   "received [1]",
		Trace: []TraceEvent{
			{Type: TraceStep, Index: 1, Do: DoSend, As: "alice", Conversation: "ab", Seq: 1, Outcome: "ok"},
			{Type: TraceFrame, Index: 2, Conn: "b1", Frame: "message", Conversation: "ab", Seq: 1},
		},
	}

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "Assertion failed: received\n"))
	assert.Contains(t, msg, "Expected: b1 received ab seqs [1 2]")
	assert.Contains(t, msg, "Actual: received [1]")
	assert.Contains(t, msg, "[1] send as=alice")
	assert.Contains(t, msg, "b1 <- message ab seq=1")
}
