// Package phx implements a client for Phoenix-style channel servers:
// many logical topics multiplexed over one persistent websocket, with
// request/reply correlation, shared presence state, and transparent
// reconnection.
//
// The primary lifecycle is:
//   - construct a Socket with NewSocket
//   - Connect to the endpoint
//   - obtain a Channel per topic and Join it
//   - Push events and bind inbound ones with On
//   - Leave channels and Disconnect when finished
//
// Every outgoing message is a Push that resolves to exactly one terminal
// reply: the server's response, a timeout, or a connection-level status.
// Waiting on a Push is optional and cancellable; abandoning a wait never
// affects delivery or resolution bookkeeping.
//
// After a connection loss the socket reconnects with configurable
// backoff and rejoins every channel under a fresh join generation;
// replies addressed to a superseded generation are discarded rather than
// misapplied.
//
// This package is safe for concurrent use of exported APIs. Event and
// presence callbacks run on a dispatcher goroutine in arrival order and
// should not block for long, though a slow callback can never stall
// inbound frame processing.
package phx
