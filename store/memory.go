package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore implements Store in memory. Useful for testing and swarms
// that do not need history to survive a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []EventRecord
	logs      map[string][]LogEntryRecord // nodeID+"/"+groupID -> entries
	votes     map[string]VoteRecord
	responses map[string]map[string]VoteResponseRecord // voteID -> agentID -> response
	closed    atomic.Bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:      make(map[string][]LogEntryRecord),
		votes:     make(map[string]VoteRecord),
		responses: make(map[string]map[string]VoteResponseRecord),
	}
}

func (s *MemoryStore) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func logKey(nodeID, groupID string) string {
	return nodeID + "/" + groupID
}

// AppendEvent stores one event.
func (s *MemoryStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

// QueryEvents returns matching events in ascending timestamp order.
func (s *MemoryStore) QueryEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var res []EventRecord
	for i := range s.events {
		if f.Matches(&s.events[i]) {
			res = append(res, s.events[i])
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Timestamp.Before(res[j].Timestamp)
	})

	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

// AppendLogEntries stores entries for a node's log.
func (s *MemoryStore) AppendLogEntries(ctx context.Context, entries []LogEntryRecord) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		key := logKey(e.NodeID, e.GroupID)
		log := s.logs[key]

		replaced := false
		for i := range log {
			if log[i].Index == e.Index {
				log[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			log = append(log, e)
		}
		s.logs[key] = log
	}
	return nil
}

// TruncateLog removes a node's entries at and past fromIndex.
func (s *MemoryStore) TruncateLog(ctx context.Context, nodeID, groupID string, fromIndex uint64) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey(nodeID, groupID)
	var kept []LogEntryRecord
	for _, e := range s.logs[key] {
		if e.Index < fromIndex {
			kept = append(kept, e)
		}
	}
	s.logs[key] = kept
	return nil
}

// QueryLog returns a node's log entries in ascending index order.
func (s *MemoryStore) QueryLog(ctx context.Context, nodeID, groupID string) ([]LogEntryRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	log := s.logs[logKey(nodeID, groupID)]
	res := make([]LogEntryRecord, len(log))
	copy(res, log)
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Index < res[j].Index })
	return res, nil
}

// MarkApplied sets the applied flag on one entry.
func (s *MemoryStore) MarkApplied(ctx context.Context, nodeID, groupID string, index uint64) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[logKey(nodeID, groupID)]
	for i := range log {
		if log[i].Index == index {
			log[i].Applied = true
			return nil
		}
	}
	return ErrNotFound
}

// SaveVote inserts or updates a vote record.
func (s *MemoryStore) SaveVote(ctx context.Context, v VoteRecord) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	s.votes[v.ID] = v
	s.mu.Unlock()
	return nil
}

// GetVote returns a vote by ID.
func (s *MemoryStore) GetVote(ctx context.Context, id string) (*VoteRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	v, ok := s.votes[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

// ListVotes returns matching votes in ascending creation order.
func (s *MemoryStore) ListVotes(ctx context.Context, f VoteFilter) ([]VoteRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var res []VoteRecord
	for id := range s.votes {
		v := s.votes[id]
		if f.Matches(&v) {
			res = append(res, v)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})

	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

// SaveVoteResponse upserts a response keyed on (VoteID, AgentID).
func (s *MemoryStore) SaveVoteResponse(ctx context.Context, r VoteResponseRecord) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.responses[r.VoteID] == nil {
		s.responses[r.VoteID] = make(map[string]VoteResponseRecord)
	}
	s.responses[r.VoteID][r.AgentID] = r
	s.mu.Unlock()
	return nil
}

// ListVoteResponses returns all responses for a vote in ascending cast order.
func (s *MemoryStore) ListVoteResponses(ctx context.Context, voteID string) ([]VoteResponseRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var res []VoteResponseRecord
	for _, r := range s.responses[voteID] {
		res = append(res, r)
	}
	s.mu.RUnlock()

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].VotedAt.Before(res[j].VotedAt)
	})
	return res, nil
}

// Ping verifies the store is reachable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check()
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
