// Package collab is the collaboration client's public surface. A Client
// composes the connection manager, request correlator, room registry,
// presence tracker and event dispatcher, and applies every inbound frame
// to local state before handing it to subscribers.
//
// Mutating operations fail fast with connection.ErrNotConnected unless the
// channel is Connected. Disconnect clears rooms, presence and typing state
// and rejects every outstanding acknowledged call.
package collab
