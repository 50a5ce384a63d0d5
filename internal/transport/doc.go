// Package transport exposes the engine over HTTP and WebSocket.
//
// Every route except /healthz requires a bearer token, taken from the
// Authorization header or the access_token query parameter. WebSocket
// clients receive a hello frame first, then exchange protocol frames:
// subscribe, unsubscribe, send and ack in; message, status, summary,
// sent and error out.
package transport
