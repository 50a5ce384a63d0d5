package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/testutil"
)

// fastRetry keeps retry loops in tests to a few milliseconds.
var fastRetry = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

// recordingSink captures every frame delivered to a connection.
type recordingSink struct {
	mu     sync.Mutex
	frames []Outbound
	err    error
}

func (s *recordingSink) Deliver(out Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, out)
	return nil
}

func (s *recordingSink) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

func (s *recordingSink) snapshot() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outbound(nil), s.frames...)
}

// messageSeqs returns the sequences of message frames for convID, in
// delivery order.
func (s *recordingSink) messageSeqs(convID string) []int64 {
	seqs := []int64{}
	for _, f := range s.snapshot() {
		if f.Type == OutboundMessage && f.Message.ConversationID == convID {
			seqs = append(seqs, f.Message.Seq)
		}
	}
	return seqs
}

// lastStatus returns the most recent watermarks frame for sender in convID.
func (s *recordingSink) lastStatus(convID, sender string) (ir.Watermarks, bool) {
	var (
		wm    ir.Watermarks
		found bool
	)
	for _, f := range s.snapshot() {
		if f.Type == OutboundStatus && f.Status.ConversationID == convID && f.Status.SenderID == sender {
			wm, found = *f.Status, true
		}
	}
	return wm, found
}

// lastSummary returns the most recent summary frame for convID.
func (s *recordingSink) lastSummary(convID string) (ir.Summary, bool) {
	var (
		sum   ir.Summary
		found bool
	)
	for _, f := range s.snapshot() {
		if f.Type == OutboundSummary && f.Summary.ConversationID == convID {
			sum, found = *f.Summary, true
		}
	}
	return sum, found
}

func (s *recordingSink) errorCodes() []RuntimeErrorCode {
	var codes []RuntimeErrorCode
	for _, f := range s.snapshot() {
		if f.Type == OutboundError {
			codes = append(codes, f.Err.Code)
		}
	}
	return codes
}

// faultStore wraps a MessageStore and injects failures.
type faultStore struct {
	MessageStore

	mu          sync.Mutex
	conflicts   int
	rangeErr    error
	rangeFilter func([]ir.Message) []ir.Message
}

func (f *faultStore) AppendMessage(ctx context.Context, msg ir.Message, expectedLatest int64) (ir.Message, bool, error) {
	f.mu.Lock()
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return ir.Message{}, false, store.ErrSeqConflict
	}
	f.mu.Unlock()
	return f.MessageStore.AppendMessage(ctx, msg, expectedLatest)
}

func (f *faultStore) ReadRange(ctx context.Context, convID string, after, through int64) ([]ir.Message, error) {
	f.mu.Lock()
	rangeErr, filter := f.rangeErr, f.rangeFilter
	f.mu.Unlock()

	if rangeErr != nil {
		return nil, rangeErr
	}
	msgs, err := f.MessageStore.ReadRange(ctx, convID, after, through)
	if err != nil || filter == nil {
		return msgs, err
	}
	return filter(msgs), nil
}

func (f *faultStore) setRangeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeErr = err
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, s MessageStore, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithClock(testutil.NewDeterministicClock()),
		WithIDGenerator(testutil.NewSequentialIDGenerator("id")),
		WithAllocatorRetry(fastRetry),
		WithDeliveryRetry(fastRetry),
	}
	return New(s, append(base, opts...)...)
}

func textDraft(convID, sender, text string) ir.Draft {
	return ir.Draft{
		ConversationID: convID,
		SenderID:       sender,
		Content:        ir.Content{Kind: ir.MessageText, Text: text},
	}
}

func mustDirect(t *testing.T, e *Engine, a, b string) ir.Conversation {
	t.Helper()
	conv, err := e.EnsureDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func mustSend(t *testing.T, e *Engine, convID, sender, text string) ir.Message {
	t.Helper()
	msg, err := e.Send(context.Background(), textDraft(convID, sender, text))
	require.NoError(t, err)
	return msg
}

func connect(t *testing.T, e *Engine, participant string) (*Connection, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	conn, err := e.OpenConnection(participant, sink)
	require.NoError(t, err)
	return conn, sink
}
