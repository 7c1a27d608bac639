// Package voting implements collective decision making for a swarm.
//
// A vote is created with a strategy and a required quorum, announced on
// the swarm's vote channel, and collects one response per agent.
// Re-casting overwrites an agent's earlier response and tallies are
// recomputed from the full response set, so totals stay correct under
// re-votes. After every cast the vote is evaluated: once quorum is
// reached, the strategy decides whether any option has won. Winning
// votes are dispatched to a type-specific executor.
//
// The persistence store is the source of truth; the in-memory map is a
// write-through cache so reads survive restarts.
package voting
