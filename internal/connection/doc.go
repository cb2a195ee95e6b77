// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one WebSocket channel to the collaboration server
//   - Tracks the lifecycle state machine (Idle, Connecting, Connected,
//     Disconnected, Reconnecting, Closed)
//   - Reconnects with bounded exponential backoff unless the server ended the session
//   - Delivers inbound frames and state changes to a Handler, in order, on one goroutine
package connection
