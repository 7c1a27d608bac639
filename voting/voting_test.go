package voting

import (
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/store"
)

func newTestSystem(t *testing.T, electorate int) *System {
	t.Helper()

	broker := bus.NewMemoryBroker()
	st := store.NewMemoryStore()

	s, err := NewSystem(Config{
		Bus:           broker.Client(bus.DefaultConfig(), logging.Discard()),
		Store:         st,
		SwarmID:       "swarm-1",
		Eligible:      func() int { return electorate },
		SweepInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		broker.Close()
		st.Close()
	})
	return s
}

func mustCreate(t *testing.T, s *System, strategy Strategy, quorum float64) string {
	t.Helper()
	id, err := s.CreateVote(TypeTaskAssignment, "who takes task-7", "", []string{"agent-1", "agent-2"}, "agent-1", strategy, quorum, time.Minute)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}
	return id
}

func TestCreateVoteValidation(t *testing.T) {
	s := newTestSystem(t, 3)

	tests := []struct {
		name     string
		strategy Strategy
		quorum   float64
		options  []string
		ttl      time.Duration
	}{
		{"unknown strategy", Strategy("plurality"), 0.5, []string{"a", "b"}, time.Minute},
		{"zero quorum", SimpleMajority, 0, []string{"a", "b"}, time.Minute},
		{"quorum above one", SimpleMajority, 1.5, []string{"a", "b"}, time.Minute},
		{"one option", SimpleMajority, 0.5, []string{"a"}, time.Minute},
		{"no ttl", SimpleMajority, 0.5, []string{"a", "b"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateVote("t", "s", "", tt.options, "agent-1", tt.strategy, tt.quorum, tt.ttl)
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSimpleMajorityCloses(t *testing.T) {
	s := newTestSystem(t, 3)
	id := mustCreate(t, s, SimpleMajority, 0.5)

	if err := s.CastVote(id, "agent-1", "agent-2", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-2", "agent-2", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	v, err := s.GetVote(id)
	if err != nil {
		t.Fatalf("GetVote failed: %v", err)
	}
	if v.Status != StatusClosed {
		t.Fatalf("status = %s, want closed", v.Status)
	}
	if v.Winner != "agent-2" {
		t.Errorf("winner = %q, want agent-2", v.Winner)
	}
}

func TestQuorumGatesBeforeStrategy(t *testing.T) {
	s := newTestSystem(t, 10)
	id := mustCreate(t, s, SimpleMajority, 0.5)

	// Unanimous, but only 1 of 10 eligible voters responded.
	if err := s.CastVote(id, "agent-1", "agent-1", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	v, _ := s.GetVote(id)
	if v.Status != StatusOpen {
		t.Errorf("status = %s, want open below quorum", v.Status)
	}
}

func TestQuorumMetButNoWinnerStaysOpen(t *testing.T) {
	s := newTestSystem(t, 2)
	// Quorum 1.0 so the tally is only evaluated once both ballots land.
	id := mustCreate(t, s, SimpleMajority, 1.0)

	// A tie: neither option exceeds half the votes cast.
	if err := s.CastVote(id, "agent-1", "agent-1", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-2", "agent-2", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	v, _ := s.GetVote(id)
	if v.Status != StatusOpen {
		t.Errorf("status = %s, want open on tie", v.Status)
	}
}

func TestSuperMajorityThreshold(t *testing.T) {
	s := newTestSystem(t, 3)
	id, err := s.CreateVote("config-change", "raise limit", "", []string{"yes", "no"}, "agent-1", SuperMajority, 0.5, time.Minute)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}

	// Dissent lands first so no interim tally clears the bar; 2 of 3
	// is not more than two thirds.
	if err := s.CastVote(id, "agent-3", "no", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-1", "yes", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-2", "yes", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	v, _ := s.GetVote(id)
	if v.Status != StatusOpen {
		t.Fatalf("status = %s, want open at 2/3", v.Status)
	}

	// A re-vote flips the third ballot; 3 of 3 clears the bar.
	if err := s.CastVote(id, "agent-3", "yes", 1, "", 1); err != nil {
		t.Fatalf("re-cast failed: %v", err)
	}
	v, _ = s.GetVote(id)
	if v.Status != StatusClosed || v.Winner != "yes" {
		t.Errorf("status = %s winner = %q, want closed/yes", v.Status, v.Winner)
	}
}

func TestWeightedStrategy(t *testing.T) {
	s := newTestSystem(t, 3)
	id, err := s.CreateVote("conflict-resolution", "pick plan", "", []string{"plan-a", "plan-b"}, "agent-1", Weighted, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}

	// plan-a: 5*1.0 = 5, plan-b: 2*0.5 + 1*1.0 = 2. Total 7; 5 > 3.5.
	if err := s.CastVote(id, "agent-1", "plan-a", 1.0, "", 5); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-2", "plan-b", 0.5, "", 2); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-3", "plan-b", 1.0, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	v, _ := s.GetVote(id)
	if v.Status != StatusClosed || v.Winner != "plan-a" {
		t.Errorf("status = %s winner = %q, want closed/plan-a", v.Status, v.Winner)
	}
	if got := v.WeightedCounts["plan-a"]; got != 5 {
		t.Errorf("weighted[plan-a] = %v, want 5", got)
	}
}

func TestConsensusRequiresUnanimity(t *testing.T) {
	s := newTestSystem(t, 2)
	// Quorum 1.0: a lone ballot is trivially unanimous, so the vote
	// must not be evaluated until everyone has spoken.
	id, err := s.CreateVote("config-change", "adopt policy", "", []string{"yes", "no"}, "agent-1", Consensus, 1.0, time.Minute)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}

	if err := s.CastVote(id, "agent-1", "yes", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-2", "no", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	v, _ := s.GetVote(id)
	if v.Status != StatusOpen {
		t.Fatalf("status = %s, want open on split", v.Status)
	}

	// agent-2 comes around; every ballot now names yes.
	s.CastVote(id, "agent-2", "yes", 1, "", 1)
	v, _ = s.GetVote(id)
	if v.Status != StatusClosed || v.Winner != "yes" {
		t.Errorf("status = %s winner = %q, want closed/yes", v.Status, v.Winner)
	}
}

func TestRecastOverwrites(t *testing.T) {
	s := newTestSystem(t, 10)
	id := mustCreate(t, s, SimpleMajority, 0.9)

	s.CastVote(id, "agent-1", "agent-1", 1, "", 1)
	s.CastVote(id, "agent-1", "agent-2", 1, "", 1)

	v, _ := s.GetVote(id)
	if v.OptionCounts["agent-1"] != 0 || v.OptionCounts["agent-2"] != 1 {
		t.Errorf("counts = %v, want only agent-2:1", v.OptionCounts)
	}

	responses, err := s.Responses(id)
	if err != nil {
		t.Fatalf("Responses failed: %v", err)
	}
	if len(responses) != 1 {
		t.Errorf("responses = %d, want 1 after re-cast", len(responses))
	}
}

func TestCastErrors(t *testing.T) {
	s := newTestSystem(t, 2)
	id := mustCreate(t, s, SimpleMajority, 0.5)

	if err := s.CastVote(id, "agent-1", "nobody", 1, "", 1); !errors.Is(err, errors.ErrCodeInvalidOption) {
		t.Errorf("invalid option: got %v", err)
	}
	if err := s.CastVote("no-such-vote", "agent-1", "agent-1", 1, "", 1); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("missing vote: got %v", err)
	}

	// Close it, then cast again.
	s.CastVote(id, "agent-1", "agent-2", 1, "", 1)
	s.CastVote(id, "agent-2", "agent-2", 1, "", 1)
	if err := s.CastVote(id, "agent-2", "agent-1", 1, "", 1); !errors.Is(err, errors.ErrCodeVoteClosed) {
		t.Errorf("closed vote: got %v", err)
	}
}

func TestCancelOnlyWhileOpen(t *testing.T) {
	s := newTestSystem(t, 2)
	id := mustCreate(t, s, SimpleMajority, 0.5)

	if err := s.CancelVote(id, "agent-1", "moot"); err != nil {
		t.Fatalf("CancelVote failed: %v", err)
	}
	v, _ := s.GetVote(id)
	if v.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", v.Status)
	}

	if err := s.CancelVote(id, "agent-1", "again"); !errors.Is(err, errors.ErrCodeVoteClosed) {
		t.Errorf("second cancel: got %v", err)
	}
}

func TestExpirySweep(t *testing.T) {
	s := newTestSystem(t, 2)
	id, err := s.CreateVote(TypeTaskAssignment, "s", "", []string{"a", "b"}, "agent-1", SimpleMajority, 0.5, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		v, err := s.GetVote(id)
		if err != nil {
			t.Fatalf("GetVote failed: %v", err)
		}
		if v.Status == StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("vote never expired, status = %s", v.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.CastVote(id, "agent-1", "a", 1, "", 1); !errors.Is(err, errors.ErrCodeVoteClosed) {
		t.Errorf("cast on expired vote: got %v", err)
	}
}

func TestExecutorDispatch(t *testing.T) {
	s := newTestSystem(t, 2)

	var mu sync.Mutex
	var executed *Vote
	s.RegisterExecutor(TypeTaskAssignment, func(v *Vote) error {
		mu.Lock()
		executed = v
		mu.Unlock()
		return nil
	})

	id := mustCreate(t, s, SimpleMajority, 0.5)
	s.CastVote(id, "agent-1", "agent-2", 1, "", 1)
	s.CastVote(id, "agent-2", "agent-2", 1, "", 1)

	mu.Lock()
	defer mu.Unlock()
	if executed == nil {
		t.Fatal("executor never ran")
	}
	if executed.ID != id || executed.Winner != "agent-2" {
		t.Errorf("executor got %+v", executed)
	}
}

func TestUnknownVoteTypeNoOp(t *testing.T) {
	s := newTestSystem(t, 1)

	id, err := s.CreateVote("mystery", "s", "", []string{"a", "b"}, "agent-1", SimpleMajority, 0.5, time.Minute)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}
	// No executor registered; the vote still closes and records.
	if err := s.CastVote(id, "agent-1", "a", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}
	v, _ := s.GetVote(id)
	if v.Status != StatusClosed || v.Winner != "a" {
		t.Errorf("status = %s winner = %q, want closed/a", v.Status, v.Winner)
	}
}

func TestAnnouncements(t *testing.T) {
	broker := bus.NewMemoryBroker()
	defer broker.Close()
	st := store.NewMemoryStore()
	defer st.Close()

	watcher := broker.Client(bus.DefaultConfig(), logging.Discard())
	defer watcher.Close()
	if err := watcher.Subscribe(Channel("swarm-1")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	s, err := NewSystem(Config{
		Bus:      broker.Client(bus.DefaultConfig(), logging.Discard()),
		Store:    st,
		SwarmID:  "swarm-1",
		Eligible: func() int { return 1 },
	})
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	defer s.Close()

	id, err := s.CreateVote(TypeConfigChange, "s", "", []string{"a", "b"}, "agent-1", SimpleMajority, 1, time.Minute)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}
	if err := s.CastVote(id, "agent-1", "a", 1, "", 1); err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	want := []string{ActionCreated, ActionCast, ActionClosed}
	for _, action := range want {
		select {
		case env := <-watcher.Listen():
			a, err := DecodeAnnouncement(env.Payload)
			if err != nil {
				t.Fatalf("DecodeAnnouncement failed: %v", err)
			}
			if a.Action != action {
				t.Errorf("action = %q, want %q", a.Action, action)
			}
			if a.Vote.ID != id {
				t.Errorf("vote ID = %q, want %q", a.Vote.ID, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q announcement", action)
		}
	}
}
