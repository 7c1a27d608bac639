// Package state provides small key-value storage shared by swarm
// components: consensus nodes persist their term and ballot here, and
// the membership directory keeps agent presence records with TTLs.
//
// Two backends are provided. MemoryStore keeps entries in process and
// is the default for tests and single-process swarms. NATSStore is
// backed by a JetStream key-value bucket and can share the bus's NATS
// connection, giving every node in a swarm the same view.
package state
