package store

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
)

// EventRecord is a persisted event, retained for replay.
type EventRecord struct {
	ID            string
	Type          string
	Data          []byte
	SourceAgentID string
	SwarmID       string
	IsGlobal      bool
	Timestamp     time.Time
}

// EventFilter selects events for replay. Zero values match everything.
type EventFilter struct {
	Type    string
	SwarmID string
	Since   time.Time
	Limit   int
}

// Matches reports whether an event satisfies the filter.
func (f EventFilter) Matches(e *EventRecord) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SwarmID != "" && e.SwarmID != f.SwarmID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// LogEntryRecord is a persisted consensus log entry. Entries are append-only
// and immutable once written, except for the Applied flag.
type LogEntryRecord struct {
	NodeID      string
	GroupID     string
	Term        uint64
	Index       uint64
	CommandType string
	CommandData []byte
	Applied     bool
}

// VoteRecord is a persisted vote with its tallies.
type VoteRecord struct {
	ID             string
	SwarmID        string
	Type           string
	Subject        string
	Description    string
	Options        []string
	Strategy       string
	RequiredQuorum float64
	Status         string
	CreatedBy      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	OptionCounts   map[string]int
	WeightedCounts map[string]float64
	Winner         string
	ClosedAt       time.Time
}

// VoteFilter selects votes.
type VoteFilter struct {
	SwarmID string
	Status  string
	Limit   int
}

// Matches reports whether a vote satisfies the filter.
func (f VoteFilter) Matches(v *VoteRecord) bool {
	if f.SwarmID != "" && v.SwarmID != f.SwarmID {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	return true
}

// VoteResponseRecord is one agent's response to a vote. There is at most
// one logical response per (VoteID, AgentID); re-casting overwrites.
type VoteResponseRecord struct {
	VoteID     string
	AgentID    string
	Option     string
	Confidence float64
	Rationale  string
	Weight     float64
	VotedAt    time.Time
}

// EventStore persists events for replay.
type EventStore interface {
	// AppendEvent stores one event.
	AppendEvent(ctx context.Context, e EventRecord) error

	// QueryEvents returns matching events in ascending timestamp order.
	QueryEvents(ctx context.Context, f EventFilter) ([]EventRecord, error)
}

// LogStore persists consensus log entries per node.
type LogStore interface {
	// AppendLogEntries stores entries for a node's log.
	AppendLogEntries(ctx context.Context, entries []LogEntryRecord) error

	// TruncateLog removes a node's entries at and past fromIndex.
	TruncateLog(ctx context.Context, nodeID, groupID string, fromIndex uint64) error

	// QueryLog returns a node's log entries in ascending index order.
	QueryLog(ctx context.Context, nodeID, groupID string) ([]LogEntryRecord, error)

	// MarkApplied sets the applied flag on one entry.
	MarkApplied(ctx context.Context, nodeID, groupID string, index uint64) error
}

// VoteStore persists votes and responses.
type VoteStore interface {
	// SaveVote inserts or updates a vote record.
	SaveVote(ctx context.Context, v VoteRecord) error

	// GetVote returns a vote by ID, or ErrNotFound.
	GetVote(ctx context.Context, id string) (*VoteRecord, error)

	// ListVotes returns matching votes in ascending creation order.
	ListVotes(ctx context.Context, f VoteFilter) ([]VoteRecord, error)

	// SaveVoteResponse upserts a response keyed on (VoteID, AgentID).
	SaveVoteResponse(ctx context.Context, r VoteResponseRecord) error

	// ListVoteResponses returns all responses for a vote in ascending
	// cast order.
	ListVoteResponses(ctx context.Context, voteID string) ([]VoteResponseRecord, error)
}

// Store combines all persistence concerns plus a reachability probe used by
// health checks.
type Store interface {
	EventStore
	LogStore
	VoteStore

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
