// Package bus provides the message bus clients that carry all swarm
// coordination traffic: broadcasts, typed events, consensus RPCs, and vote
// lifecycle notices.
//
// # Overview
//
// A MessageBus is a per-agent client over a shared broker connection. The
// client subscribes to channels (exact names or glob patterns) and consumes
// every delivery through a single Listen stream:
//
//	mb.Subscribe("swarm:s1:broadcast")
//	mb.PatternSubscribe("swarm:s1:events:*")
//	for env := range mb.Listen() {
//	    // env.Channel tells you where it came from
//	}
//
// One goroutine owns the underlying receive primitive; deliveries are handed
// to the Listen channel without blocking, so a slow consumer drops messages
// rather than stalling the read loop.
//
// # Available Implementations
//
//   - NATSBus: production messaging using NATS
//   - MemoryBroker/MemoryBus: in-process broker for testing and
//     single-process swarms
//
// # Envelopes
//
// Every publish wraps the payload in an Envelope with a generated ID and
// timestamp, serialized with msgpack. Envelopes are immutable once
// published; malformed inbound envelopes are logged, counted, and dropped.
//
// # Failure Behavior
//
// On broker I/O failure the client retries with exponential backoff up to a
// bounded attempt count. After exhaustion the bus is terminally unavailable:
// Publish and Subscribe fail fast with ErrUnavailable and HealthCheck
// reports unhealthy.
package bus
