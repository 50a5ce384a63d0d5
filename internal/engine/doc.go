// Package engine implements the conversation sync engine.
//
// The engine orders messages within a conversation, fans new messages out
// to subscribed connections, replays gaps when a connection resumes, and
// reconciles delivered/read state across participants.
//
// ARCHITECTURE:
//
// Components (leaf first):
//   - Allocator: stamps each message with the next gapless sequence using
//     a compare-and-swap append against the store, retried with bounded
//     exponential backoff
//   - SubscriptionManager: tracks open connections and the conversations
//     each one watches
//   - Fanout: replays (since, latest] on subscribe, then streams live
//     messages strictly in sequence order, filling gaps from the store
//   - Reconciler: merges delivered/read acknowledgements into monotonic
//     cursors and broadcasts status watermarks to senders
//   - Index: derives each participant's conversation list (unread counts,
//     previews) from store state and pushes updates
//
// Event Processing Flow:
//  1. Send appends a message through the Allocator
//  2. A MessageAppended event is handed to the Notifier (local queue or bus)
//  3. Run dequeues events one at a time in a single goroutine
//  4. MessageAppended: Fanout publishes to watchers, Index pushes summaries
//  5. Delivery advances the receiver's delivered cursor, which emits a
//     CursorAdvanced event
//  6. CursorAdvanced: Reconciler broadcasts watermarks, Index pushes summaries
//
// Ordering guarantees come from sequence numbers, never from event arrival
// order: a stream only ever emits seq == last+1, discards seq <= last, and
// reads the store to fill anything in between.
//
// Thread-safety model:
//   - Send, Ack, Subscribe, OpenConnection, CloseConnection: any goroutine
//   - Run: exactly one goroutine
//   - Drain: only when Run is not running (tests, scenario harness)
//
// FAILURE HANDLING:
//
// A store read that returns non-contiguous sequences is an invariant
// violation: the conversation is halted (every operation on it fails with
// CONVERSATION_HALTED) until an operator calls Resume. Other conversations
// are unaffected.
package engine
