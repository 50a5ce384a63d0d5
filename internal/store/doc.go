// Package store provides SQLite-backed durable storage for conversations.
//
// The store holds four tables:
//   - conversations: one row per conversation with its latest sequence
//   - participants: the fixed member set of each conversation
//   - messages: the append-only per-conversation log, keyed by (conversation, seq)
//   - cursors: delivered/read progress per (conversation, participant)
//
// # Guarantees
//
// Gapless sequences: AppendMessage is a compare-and-swap on
// conversations.latest_seq inside one transaction. A writer that read a
// stale latest sequence gets ErrSeqConflict and nothing is written.
//
// Client idempotency: a message carrying a client ID is stored at most once
// per (conversation, sender, client ID). A resubmission returns the stored
// message with inserted=false.
//
// Monotonic cursors: cursor columns merge with MAX(), so a late or duplicate
// acknowledgement can never move a cursor backwards. Advancing the read
// cursor also advances the delivered cursor.
//
// Deterministic reads: every multi-row query orders by seq ASC (messages)
// or participant_id ASC (cursors).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
