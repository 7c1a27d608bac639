package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/consensus"
	"github.com/vinayprograms/swarmkit/events"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/store"
	"github.com/vinayprograms/swarmkit/voting"
)

type testSwarm struct {
	broker *bus.MemoryBroker
	store  *store.MemoryStore
	state  *state.MemoryStore
}

func newTestSwarm(t *testing.T) *testSwarm {
	t.Helper()
	ts := &testSwarm{
		broker: bus.NewMemoryBroker(),
		store:  store.NewMemoryStore(),
		state:  state.NewMemoryStore(),
	}
	t.Cleanup(func() {
		ts.broker.Close()
		ts.store.Close()
		ts.state.Close()
	})
	return ts
}

func (ts *testSwarm) newAgent(t *testing.T, agentID string) *Agent {
	t.Helper()
	a, err := NewAgent(Config{
		AgentID: agentID,
		NewBus: func() (bus.MessageBus, error) {
			return ts.broker.Client(bus.DefaultConfig(), logging.Discard()), nil
		},
		Store:             ts.store,
		State:             ts.state,
		HeartbeatInterval: 20 * time.Millisecond,
		MemberTimeout:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAgent(%s) failed: %v", agentID, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func (ts *testSwarm) joinedAgent(t *testing.T, agentID string) *Agent {
	t.Helper()
	a := ts.newAgent(t, agentID)
	if err := a.Join("swarm-1"); err != nil {
		t.Fatalf("Join(%s) failed: %v", agentID, err)
	}
	return a
}

func waitMessage(t *testing.T, a *Agent) *Message {
	t.Helper()
	select {
	case m := <-a.Messages():
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestOperationsRequireJoin(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.newAgent(t, "agent-1")

	if err := a.SendMessage("ping", nil, ""); err != ErrNotJoined {
		t.Errorf("SendMessage: got %v, want ErrNotJoined", err)
	}
	if _, err := a.PublishEvent("e", nil, false, false); err != ErrNotJoined {
		t.Errorf("PublishEvent: got %v, want ErrNotJoined", err)
	}
	if _, err := a.CreateVote("t", "s", "", []string{"a", "b"}, voting.SimpleMajority, 0.5, time.Minute); err != ErrNotJoined {
		t.Errorf("CreateVote: got %v, want ErrNotJoined", err)
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.joinedAgent(t, "agent-1")
	if err := a.Join("swarm-2"); err != ErrJoined {
		t.Errorf("second Join: got %v, want ErrJoined", err)
	}
}

func TestBroadcastMessage(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.joinedAgent(t, "agent-1")
	b := ts.joinedAgent(t, "agent-2")
	c := ts.joinedAgent(t, "agent-3")

	if err := a.SendMessage("task-offer", map[string]interface{}{"task": "t-1"}, ""); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	for _, receiver := range []*Agent{b, c} {
		m := waitMessage(t, receiver)
		if m.Type != "task-offer" || m.From != "agent-1" || m.To != "" {
			t.Errorf("%s got %+v", receiver.ID(), m)
		}
	}
}

func TestDirectMessage(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.joinedAgent(t, "agent-1")
	b := ts.joinedAgent(t, "agent-2")
	c := ts.joinedAgent(t, "agent-3")

	if err := a.SendMessage("task-assign", nil, "agent-2"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	m := waitMessage(t, b)
	if m.To != "agent-2" || m.From != "agent-1" {
		t.Errorf("direct message = %+v", m)
	}

	select {
	case m := <-c.Messages():
		t.Errorf("agent-3 received a message not addressed to it: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventFlowBetweenAgents(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.joinedAgent(t, "agent-1")
	b := ts.joinedAgent(t, "agent-2")

	got := make(chan *events.Event, 1)
	if err := b.SubscribeEvents("task-completed", func(e *events.Event) {
		got <- e
	}); err != nil {
		t.Fatalf("SubscribeEvents failed: %v", err)
	}

	id, err := a.PublishEvent("task-completed", map[string]interface{}{"task": "t-9"}, false, true)
	if err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	select {
	case e := <-got:
		if e.ID != id || e.SourceAgentID != "agent-1" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The persisted copy is replayable by a late joiner.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := b.ReplayEvents(context.Background(), store.EventFilter{Type: "task-completed"}, func(*events.Event) {})
		if err != nil {
			t.Fatalf("ReplayEvents failed: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replayed %d events, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVoteAcrossAgents(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.joinedAgent(t, "agent-1")
	b := ts.joinedAgent(t, "agent-2")

	// Both agents must be visible before quorum math makes sense.
	deadline := time.Now().Add(3 * time.Second)
	for a.Directory().Count() != 2 || b.Directory().Count() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("directories never converged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	id, err := a.CreateVote(voting.TypeTaskAssignment, "who takes t-3", "", []string{"agent-1", "agent-2"}, voting.SimpleMajority, 1, time.Minute)
	if err != nil {
		t.Fatalf("CreateVote failed: %v", err)
	}

	if err := a.CastVote(id, "agent-2", 1, "", 1); err != nil {
		t.Fatalf("CastVote(a) failed: %v", err)
	}
	// Votes live in the shared store, so b casts on the same vote
	// through its own system.
	if err := b.CastVote(id, "agent-2", 1, "", 1); err != nil {
		t.Fatalf("CastVote(b) failed: %v", err)
	}

	v, err := b.Votes().GetVote(id)
	if err != nil {
		t.Fatalf("GetVote failed: %v", err)
	}
	if v.Status != voting.StatusClosed || v.Winner != "agent-2" {
		t.Errorf("status = %s winner = %q, want closed/agent-2", v.Status, v.Winner)
	}
}

func TestConsensusGroupThroughAgents(t *testing.T) {
	ts := newTestSwarm(t)
	ids := []string{"agent-1", "agent-2", "agent-3"}

	agents := make([]*Agent, len(ids))
	applied := make([]chan consensus.LogEntry, len(ids))
	for i, id := range ids {
		agents[i] = ts.joinedAgent(t, id)
		applied[i] = make(chan consensus.LogEntry, 8)
	}

	for i, a := range agents {
		peers := make([]string, 0, len(ids)-1)
		for _, other := range ids {
			if other != a.ID() {
				peers = append(peers, other)
			}
		}
		ch := applied[i]
		if _, err := a.JoinConsensusGroup("group-1", peers, func(e consensus.LogEntry) error {
			ch <- e
			return nil
		}); err != nil {
			t.Fatalf("JoinConsensusGroup(%s) failed: %v", a.ID(), err)
		}
	}

	// Find the leader.
	var leader *consensus.Node
	deadline := time.Now().Add(5 * time.Second)
	for leader == nil && time.Now().Before(deadline) {
		for _, a := range agents {
			if node, ok := a.ConsensusGroup("group-1"); ok && node.Role() == consensus.Leader {
				leader = node
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if leader == nil {
		t.Fatal("no leader elected")
	}

	if _, err := leader.ProposeCommand("assign", []byte("t-4")); err != nil {
		t.Fatalf("ProposeCommand failed: %v", err)
	}

	for i := range agents {
		select {
		case e := <-applied[i]:
			if string(e.Command.Data) != "t-4" {
				t.Errorf("%s applied %q, want t-4", ids[i], e.Command.Data)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s never applied the command", ids[i])
		}
	}
}

func TestHealthCheckAggregation(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.joinedAgent(t, "agent-1")

	if _, err := a.JoinConsensusGroup("group-1", nil, nil); err != nil {
		t.Fatalf("JoinConsensusGroup failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := a.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if h.Status != bus.StatusHealthy {
		t.Errorf("status = %s, want healthy", h.Status)
	}
	if !h.StoreReachable {
		t.Error("store not reachable")
	}
	if h.Members < 1 {
		t.Errorf("members = %d, want at least self", h.Members)
	}
	if _, ok := h.ConsensusGroups["group-1"]; !ok {
		t.Error("consensus group missing from health")
	}
}

func TestLeaveClosesMessageStream(t *testing.T) {
	ts := newTestSwarm(t)
	a := ts.joinedAgent(t, "agent-1")

	if err := a.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	select {
	case _, ok := <-a.Messages():
		if ok {
			t.Error("unexpected message after leave")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message stream not closed after leave")
	}

	if err := a.Leave(); err != ErrNotJoined {
		t.Errorf("second Leave: got %v, want ErrNotJoined", err)
	}
}
