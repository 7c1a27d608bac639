// Package store provides durable persistence for coordination records:
// events (for replay), consensus log entries, votes, and vote responses.
//
// The store is the source of truth for vote state; in-process caches are
// write-through layers on top of it. Query results are returned in
// ascending timestamp order so late joiners can replay history.
//
// Two implementations are provided: SQLiteStore for durable storage and
// MemoryStore for testing and ephemeral swarms.
package store
