// Package ir defines the shared data model of the conversation sync engine.
//
// Every other internal package imports ir; ir imports nothing internal. The
// types here are what the store persists, what the engine orders and fans
// out, and what the wire protocol carries.
//
// Key constraints:
//   - Sequence numbers are per conversation, start at 1, and are gapless
//   - CreatedAt is always assigned by the server, never by a client
//   - Cursor values only move forward (Read <= Delivered <= LatestSeq)
//   - Participant IDs are NFC-normalized before they form conversation IDs
//   - Media is carried by reference (MediaRef), never as bytes
//   - All JSON tags use snake_case
package ir
