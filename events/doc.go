// Package events provides a typed event layer over the message bus.
//
// Each logical event type maps to its own channel
// (swarm:{swarmID}:events:{type}), so many event types share one bus
// connection while staying independently subscribable. Events marked
// for persistence are durably stored in the background and can be
// replayed later, letting late joiners catch up on history.
package events
