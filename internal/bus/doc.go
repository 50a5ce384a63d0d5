// Package bus carries engine change events between processes that share
// one message store.
//
// Each engine publishes MessageAppended and CursorAdvanced events through a
// Bus (as its engine.Notifier) and feeds every event it receives back into
// its own queue with Engine.Enqueue. Publishers also receive their own
// events; the engine's fan-out discards anything a stream has already seen,
// so duplicate or reordered delivery is harmless.
//
// Adapters:
//   - Local: in-process, for a single node and for tests
//   - Redis: go-redis PUBLISH/SUBSCRIBE on one channel
//   - NATS: core NATS publish/subscribe on one subject
//
// Delivery is best effort. A lost event delays a push until the next event
// for the same conversation triggers a gap fill, or until the client
// resubscribes.
package bus
