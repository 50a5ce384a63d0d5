package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convsync/internal/ir"
)

func messageEvent(convID string, seq int64) Event {
	return Event{Type: EventMessageAppended, Message: &ir.Message{ConversationID: convID, Seq: seq}}
}

func TestEventQueue_EnqueueDequeue(t *testing.T) {
	q := newEventQueue()

	ok := q.Enqueue(messageEvent("alice_bob", 1))
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, EventMessageAppended, got.Type)
	assert.Equal(t, "alice_bob", got.ConversationID())
	assert.Equal(t, int64(1), got.Message.Seq)
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()

	for i := int64(1); i <= 3; i++ {
		q.Enqueue(messageEvent("c", i))
	}

	for i := int64(1); i <= 3; i++ {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, e.Message.Seq)
	}
}

func TestEventQueue_TryDequeue_Empty(t *testing.T) {
	q := newEventQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(messageEvent("c", 1))
	}()

	select {
	case <-q.Wait():
		_, ok := q.TryDequeue()
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close() // idempotent

	ok := q.Enqueue(messageEvent("c", 1))
	assert.False(t, ok, "enqueue after close should return false")

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue should wake waiters")
	}
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Enqueue(messageEvent(fmt.Sprintf("c%d", w), int64(i)))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1000, q.Len())
}

func TestEvent_ConversationID(t *testing.T) {
	cur := Event{Type: EventCursorAdvanced, Cursor: &ir.Cursor{ConversationID: "x"}}
	assert.Equal(t, "x", cur.ConversationID())
	assert.Equal(t, "", Event{}.ConversationID())
	assert.Equal(t, "cursor_advanced", EventCursorAdvanced.String())
}
