// This package implements the realtime client: the connection state
// machine, the per-channel state machines, and the acknowledgement
// tracking that makes publishes reliable across reconnects.
//
// === Concurrency model
//
// The connection is an actor. User actions (connect, close, publish),
// transport events (frames, closes) and timer expiries are posted
// into one serialized inbox and processed by a single goroutine, one
// at a time. The transport and timers run on their own goroutines but
// only ever post events; the actor alone owns the transport, the ack
// tracker and the pending queue.
//
// Every user-facing operation that needs a network round-trip posts
// its frame to the actor and then waits on a completion handle that
// resolves when the terminal frame arrives; the wait never blocks the
// actor. A context deadline ends the wait with ErrTimeout but never
// retracts the frame: a publish that timed out locally may still be
// delivered and acknowledged.
//
// === Ordering
//
// Publishes on a channel are sent in invocation order and their acks
// arrive in serial order. Inbound messages are delivered to
// subscribers in frame order. State change notifications fire in
// transition order.
package client
