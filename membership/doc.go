// Package membership tracks which agents belong to a swarm and whether
// they are alive.
//
// Each agent's directory announces itself with periodic heartbeats on
// the swarm's heartbeat channel and mirrors its presence record into
// the shared state store with a TTL, so liveness survives observers
// that join late. Peers that stop heartbeating past the timeout are
// reported dead and dropped from the directory.
//
// The directory's Count doubles as the electorate size for the voting
// system's quorum calculations.
package membership
