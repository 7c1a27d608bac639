package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// backends returns each Store implementation under test.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	mem := NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{"sqlite": sqlite, "memory": mem}
}

func TestEventReplayOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Insert out of timestamp order.
			for i, offset := range []int{3, 1, 2} {
				err := s.AppendEvent(ctx, EventRecord{
					ID:            name + "-e" + string(rune('0'+i)),
					Type:          "task_created",
					Data:          []byte("{}"),
					SourceAgentID: "a1",
					SwarmID:       "s1",
					Timestamp:     base.Add(time.Duration(offset) * time.Second),
				})
				if err != nil {
					t.Fatalf("AppendEvent error: %v", err)
				}
			}

			events, err := s.QueryEvents(ctx, EventFilter{SwarmID: "s1"})
			if err != nil {
				t.Fatalf("QueryEvents error: %v", err)
			}
			if len(events) != 3 {
				t.Fatalf("got %d events, want 3", len(events))
			}
			for i := 1; i < len(events); i++ {
				if events[i].Timestamp.Before(events[i-1].Timestamp) {
					t.Error("events not in ascending timestamp order")
				}
			}
		})
	}
}

func TestEventFilterSince(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			s.AppendEvent(ctx, EventRecord{ID: "old", Type: "t", SwarmID: "s1", SourceAgentID: "a", Timestamp: base})
			s.AppendEvent(ctx, EventRecord{ID: "new", Type: "t", SwarmID: "s1", SourceAgentID: "a", Timestamp: base.Add(time.Hour)})

			events, err := s.QueryEvents(ctx, EventFilter{SwarmID: "s1", Since: base.Add(time.Minute)})
			if err != nil {
				t.Fatalf("QueryEvents error: %v", err)
			}
			if len(events) != 1 || events[0].ID != "new" {
				t.Errorf("since filter returned %+v", events)
			}
		})
	}
}

func TestLogAppendTruncate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			entries := []LogEntryRecord{
				{NodeID: "n1", GroupID: "g1", Index: 1, Term: 1, CommandType: "set"},
				{NodeID: "n1", GroupID: "g1", Index: 2, Term: 1, CommandType: "set"},
				{NodeID: "n1", GroupID: "g1", Index: 3, Term: 2, CommandType: "set"},
			}
			if err := s.AppendLogEntries(ctx, entries); err != nil {
				t.Fatalf("AppendLogEntries error: %v", err)
			}

			if err := s.TruncateLog(ctx, "n1", "g1", 2); err != nil {
				t.Fatalf("TruncateLog error: %v", err)
			}

			log, err := s.QueryLog(ctx, "n1", "g1")
			if err != nil {
				t.Fatalf("QueryLog error: %v", err)
			}
			if len(log) != 1 || log[0].Index != 1 {
				t.Errorf("log after truncate = %+v", log)
			}
		})
	}
}

func TestLogMarkApplied(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			s.AppendLogEntries(ctx, []LogEntryRecord{{NodeID: "n1", GroupID: "g1", Index: 1, Term: 1, CommandType: "set"}})

			if err := s.MarkApplied(ctx, "n1", "g1", 1); err != nil {
				t.Fatalf("MarkApplied error: %v", err)
			}
			if err := s.MarkApplied(ctx, "n1", "g1", 99); err != ErrNotFound {
				t.Errorf("expected ErrNotFound for missing index, got %v", err)
			}

			log, _ := s.QueryLog(ctx, "n1", "g1")
			if !log[0].Applied {
				t.Error("applied flag not persisted")
			}
		})
	}
}

func TestVoteRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v := VoteRecord{
				ID:             "v1",
				SwarmID:        "s1",
				Type:           "conflict_resolution",
				Subject:        "pick a branch",
				Options:        []string{"a", "b"},
				Strategy:       "simple_majority",
				RequiredQuorum: 0.6,
				Status:         "open",
				CreatedBy:      "agent-1",
				CreatedAt:      now,
				ExpiresAt:      now.Add(time.Hour),
				OptionCounts:   map[string]int{"a": 2},
				WeightedCounts: map[string]float64{"a": 1.5},
			}
			if err := s.SaveVote(ctx, v); err != nil {
				t.Fatalf("SaveVote error: %v", err)
			}

			got, err := s.GetVote(ctx, "v1")
			if err != nil {
				t.Fatalf("GetVote error: %v", err)
			}
			if got.Strategy != "simple_majority" || got.RequiredQuorum != 0.6 {
				t.Errorf("vote fields = %+v", got)
			}
			if got.OptionCounts["a"] != 2 || got.WeightedCounts["a"] != 1.5 {
				t.Errorf("tallies = %+v / %+v", got.OptionCounts, got.WeightedCounts)
			}

			// Update in place.
			v.Status = "closed"
			v.Winner = "a"
			v.ClosedAt = now.Add(time.Minute)
			if err := s.SaveVote(ctx, v); err != nil {
				t.Fatalf("SaveVote update error: %v", err)
			}
			got, _ = s.GetVote(ctx, "v1")
			if got.Status != "closed" || got.Winner != "a" {
				t.Errorf("updated vote = %+v", got)
			}
		})
	}
}

func TestVoteNotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetVote(context.Background(), "missing"); err != ErrNotFound {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestVoteResponseUpsert(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := VoteResponseRecord{VoteID: "v1", AgentID: "a1", Option: "a", Confidence: 0.9, Weight: 1, VotedAt: now}
			if err := s.SaveVoteResponse(ctx, first); err != nil {
				t.Fatalf("SaveVoteResponse error: %v", err)
			}

			// Re-cast overwrites, not duplicates.
			second := first
			second.Option = "b"
			second.VotedAt = now.Add(time.Second)
			if err := s.SaveVoteResponse(ctx, second); err != nil {
				t.Fatalf("SaveVoteResponse upsert error: %v", err)
			}

			responses, err := s.ListVoteResponses(ctx, "v1")
			if err != nil {
				t.Fatalf("ListVoteResponses error: %v", err)
			}
			if len(responses) != 1 {
				t.Fatalf("got %d responses, want 1", len(responses))
			}
			if responses[0].Option != "b" {
				t.Errorf("option = %q, want last write %q", responses[0].Option, "b")
			}
		})
	}
}

func TestClosedStoreFailsFast(t *testing.T) {
	s := NewMemoryStore()
	s.Close()

	if err := s.AppendEvent(context.Background(), EventRecord{ID: "e"}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.Ping(context.Background()); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
