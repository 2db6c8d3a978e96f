// Package ws provides the relay hub between browser WebSocket connections
// and the single upstream event link.
//
// The package implements:
//   - Hub: registry of open browser connections with unconditional fan-out
//   - Client: one browser connection and its bounded outbound buffer
//   - Handler: upgrades /notifications requests and runs the read/write pumps
//   - Service: wires the hub to an upstream.Link in both directions
//
// Key behaviours:
//   - Every upstream frame is written to every open connection unmodified,
//     keeping its text or binary message type
//   - Connections are pruned lazily: a connection whose write fails or that is
//     no longer open is deregistered by the broadcast that finds it, with no
//     background sweep, so a broadcast never waits on a timer
//   - Browser frames are forwarded upstream verbatim while the link is open and
//     dropped otherwise; a {"type":"ping"} frame is answered locally with a pong
package ws
