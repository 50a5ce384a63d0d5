// Package client is a Go client for the convsync WebSocket protocol.
//
// A Conn keeps one connection open, reconnecting with exponential backoff
// and resubscribing from the last sequence it saw in each conversation.
// Tracker drops duplicate deliveries, CursorFile persists the last seen
// sequences between runs, and Overlay holds optimistic sends until the
// server confirms or rejects them.
package client
