// Package protocol defines the JSON frames exchanged over a client
// WebSocket.
//
// Every frame is an envelope {"type": ..., "data": {...}}. Clients send
// subscribe, unsubscribe, send and ack; the server sends hello, message,
// status, summary, sent and error.
package protocol
