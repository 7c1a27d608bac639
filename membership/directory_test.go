package membership

import (
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/state"
)

func newTestDirectory(t *testing.T, broker *bus.MemoryBroker, st state.Store, agentID string) *Directory {
	t.Helper()

	d, err := NewDirectory(Config{
		Bus:               broker.Client(bus.DefaultConfig(), logging.Discard()),
		State:             st,
		SwarmID:           "swarm-1",
		AgentID:           agentID,
		HeartbeatInterval: 20 * time.Millisecond,
		Timeout:           100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewDirectory(%s) failed: %v", agentID, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func waitForCount(t *testing.T, d *Directory, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("count = %d, want %d", d.Count(), want)
}

func TestJoinAndDiscovery(t *testing.T) {
	broker := bus.NewMemoryBroker()
	defer broker.Close()

	a := newTestDirectory(t, broker, nil, "agent-a")
	b := newTestDirectory(t, broker, nil, "agent-b")

	if err := a.Join([]string{"planning"}, nil); err != nil {
		t.Fatalf("Join(a) failed: %v", err)
	}
	if err := b.Join([]string{"execution"}, nil); err != nil {
		t.Fatalf("Join(b) failed: %v", err)
	}

	waitForCount(t, a, 2)
	waitForCount(t, b, 2)

	m, ok := a.Member("agent-b")
	if !ok {
		t.Fatal("agent-b not found in directory")
	}
	if !m.HasCapability("execution") {
		t.Errorf("agent-b capabilities = %v", m.Capabilities)
	}

	planners := b.WithCapability("planning")
	if len(planners) != 1 || planners[0].AgentID != "agent-a" {
		t.Errorf("WithCapability(planning) = %v", planners)
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	broker := bus.NewMemoryBroker()
	defer broker.Close()

	d := newTestDirectory(t, broker, nil, "agent-a")
	if err := d.Join(nil, nil); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := d.Join(nil, nil); err != ErrJoined {
		t.Errorf("second Join: got %v, want ErrJoined", err)
	}
}

func TestDeadPeerDetection(t *testing.T) {
	broker := bus.NewMemoryBroker()
	defer broker.Close()

	a := newTestDirectory(t, broker, nil, "agent-a")
	b := newTestDirectory(t, broker, nil, "agent-b")

	var mu sync.Mutex
	var deaths []string
	a.OnDeath(func(agentID string) {
		mu.Lock()
		deaths = append(deaths, agentID)
		mu.Unlock()
	})

	if err := a.Join(nil, nil); err != nil {
		t.Fatalf("Join(a) failed: %v", err)
	}
	if err := b.Join(nil, nil); err != nil {
		t.Fatalf("Join(b) failed: %v", err)
	}
	waitForCount(t, a, 2)

	// b goes silent without announcing its leave.
	b.cfg.Bus.Close()

	waitForCount(t, a, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(deaths) != 1 || deaths[0] != "agent-b" {
		t.Errorf("deaths = %v, want [agent-b]", deaths)
	}
}

func TestLeaveRemovesPresence(t *testing.T) {
	broker := bus.NewMemoryBroker()
	defer broker.Close()

	st := state.NewMemoryStore()
	defer st.Close()

	d := newTestDirectory(t, broker, st, "agent-a")
	if err := d.Join(nil, nil); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := st.Get(presenceKey("swarm-1", "agent-a")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("presence record never written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := d.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if _, err := st.Get(presenceKey("swarm-1", "agent-a")); err != state.ErrNotFound {
		t.Errorf("presence record after leave: %v", err)
	}
	if err := d.Leave(); err != ErrNotJoined {
		t.Errorf("second Leave: got %v, want ErrNotJoined", err)
	}
}

func TestSeedFromState(t *testing.T) {
	broker := bus.NewMemoryBroker()
	defer broker.Close()

	st := state.NewMemoryStore()
	defer st.Close()

	a := newTestDirectory(t, broker, st, "agent-a")
	if err := a.Join(nil, nil); err != nil {
		t.Fatalf("Join(a) failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := st.Get(presenceKey("swarm-1", "agent-a")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("presence record never written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A late joiner sees agent-a immediately from the state store.
	b := newTestDirectory(t, broker, st, "agent-b")
	if err := b.Join(nil, nil); err != nil {
		t.Fatalf("Join(b) failed: %v", err)
	}
	if b.Count() != 2 {
		t.Errorf("late joiner count = %d, want 2", b.Count())
	}
}

func TestStatusAndLoadCarriedOnHeartbeat(t *testing.T) {
	broker := bus.NewMemoryBroker()
	defer broker.Close()

	a := newTestDirectory(t, broker, nil, "agent-a")
	b := newTestDirectory(t, broker, nil, "agent-b")

	if err := a.Join(nil, nil); err != nil {
		t.Fatalf("Join(a) failed: %v", err)
	}
	if err := b.Join(nil, nil); err != nil {
		t.Fatalf("Join(b) failed: %v", err)
	}
	waitForCount(t, a, 2)

	if err := b.SetStatus(StatusBusy); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := b.SetLoad(0.8); err != nil {
		t.Fatalf("SetLoad failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := a.Member("agent-b"); ok && m.Status == StatusBusy && m.Load == 0.8 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("status update never observed")
}
