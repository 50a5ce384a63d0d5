package bus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/testutil"
)

func TestLocal_DeliversToAllHandlers(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	l.Attach(func(ev engine.Event) {
		mu.Lock()
		got = append(got, "a:"+ev.ConversationID())
		mu.Unlock()
	})
	l.Attach(func(ev engine.Event) {
		mu.Lock()
		got = append(got, "b:"+ev.ConversationID())
		mu.Unlock()
	})

	require.NoError(t, l.Notify(context.Background(), messageEvent("c", 1)))
	assert.ElementsMatch(t, []string{"a:c", "b:c"}, got)
}

func TestLocal_RunStopsOnClose(t *testing.T) {
	l := NewLocal()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background(), func(engine.Event) {}) }()

	require.Eventually(t, func() bool {
		l.mu.RLock()
		defer l.mu.RUnlock()
		return len(l.handlers) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, l.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, l.Notify(context.Background(), messageEvent("c", 1)), ErrClosed)
}

// Two engines sharing one store and one bus: a message sent through the
// first reaches a subscriber connected to the second.
func TestLocal_CrossEngineDelivery(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	l := NewLocal()
	defer l.Close()

	newEngine := func(prefix string) *engine.Engine {
		e := engine.New(s,
			engine.WithNotifier(l),
			engine.WithClock(testutil.NewDeterministicClock()),
			engine.WithIDGenerator(testutil.NewSequentialIDGenerator(prefix)),
		)
		l.Attach(func(ev engine.Event) { e.Enqueue(ev) })
		return e
	}
	sender := newEngine("n1")
	receiver := newEngine("n2")

	conv, err := sender.EnsureDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seqs []int64
	)
	sink := engine.SinkFunc(func(out engine.Outbound) error {
		if out.Type == engine.OutboundMessage {
			mu.Lock()
			seqs = append(seqs, out.Message.Seq)
			mu.Unlock()
		}
		return nil
	})
	bob, err := receiver.OpenConnection("bob", sink)
	require.NoError(t, err)
	_, err = receiver.Subscribe(ctx, bob.ID, conv.ID, 0)
	require.NoError(t, err)

	_, err = sender.Send(ctx, ir.Draft{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        ir.Content{Kind: ir.MessageText, Text: "across nodes"},
	})
	require.NoError(t, err)

	sender.Drain(ctx)
	receiver.Drain(ctx)

	assert.Equal(t, []int64{1}, seqs)

	// The delivered cursor written by the receiver is visible to the sender
	sum, err := sender.Summary(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Unread)
	hist, err := sender.History(ctx, "alice", conv.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ir.StatusDelivered, hist[0].Status)
}
