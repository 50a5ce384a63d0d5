package engine

import (
	"sync"

	"github.com/roach88/convsync/internal/ir"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventMessageAppended is emitted after a message is durably stored.
	EventMessageAppended EventType = iota + 1
	// EventCursorAdvanced is emitted after a participant cursor moves forward.
	EventCursorAdvanced
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventMessageAppended:
		return "message_appended"
	case EventCursorAdvanced:
		return "cursor_advanced"
	default:
		return "unknown"
	}
}

// Event is a change notification processed by the Run loop.
// Exactly one of Message or Cursor is set, matching Type.
type Event struct {
	Type    EventType   `json:"type"`
	Message *ir.Message `json:"message,omitempty"`
	Cursor  *ir.Cursor  `json:"cursor,omitempty"`
}

// ConversationID returns the conversation the event belongs to.
func (e Event) ConversationID() string {
	switch {
	case e.Message != nil:
		return e.Message.ConversationID
	case e.Cursor != nil:
		return e.Cursor.ConversationID
	default:
		return ""
	}
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so that delivery (which emits cursor events from
// inside event processing) never blocks on its own queue.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Nil out the slot so the backing array does not pin message pointers.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
