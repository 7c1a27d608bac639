// Package consensus implements a RAFT node for small agent groups.
//
// Nodes in a group exchange RPCs as envelopes on the group's bus
// channel (swarm:{swarmID}:consensus:{groupID}:rpc) instead of direct
// connections, so any broker the message bus supports also carries
// consensus traffic. Each node runs a single event loop goroutine that
// owns all protocol state; timers, incoming RPCs, and proposals are all
// funneled through it, which keeps the protocol free of locks.
//
// Persistent state (current term, ballot, and the log) is written
// through the loop before any message that depends on it is sent. A
// persistence failure is fatal to the node: it stops participating
// rather than risk voting twice in a term or forgetting log entries.
package consensus
