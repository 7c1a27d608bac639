// Package swarm is the top-level orchestration layer: one Agent wires
// together the message bus, event bus, voting system, membership
// directory, and any consensus groups the agent joins, and tears them
// down in a safe order.
//
// Channel layout per swarm:
//
//	swarm:{swarmID}:broadcast              agent-to-agent broadcast
//	swarm:{swarmID}:agent:{agentID}        direct messages
//	swarm:{swarmID}:events:{eventType}     typed events
//	swarm:{swarmID}:consensus:{groupID}:rpc  consensus RPCs
//	swarm:{swarmID}:votes                  vote announcements
//	swarm:{swarmID}:heartbeat              membership heartbeats
package swarm
