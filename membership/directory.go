package membership

import (
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/state"
)

// Common errors.
var (
	ErrNotJoined = stderrors.New("agent has not joined the swarm")
	ErrJoined    = stderrors.New("agent already joined")
	ErrClosed    = stderrors.New("directory closed")
)

// DeathFunc is notified once when a peer stops heartbeating.
type DeathFunc func(agentID string)

// Config configures a Directory.
type Config struct {
	// Bus is a dedicated message bus client; the directory owns its
	// Listen stream.
	Bus bus.MessageBus

	// State mirrors presence records so late observers see members
	// without waiting a heartbeat interval. Optional.
	State state.Store

	// SwarmID and AgentID identify this member.
	SwarmID string
	AgentID string

	// HeartbeatInterval is the announce cadence. Default 2s.
	HeartbeatInterval time.Duration

	// Timeout is how long a silent peer stays listed. Default 3x the
	// heartbeat interval.
	Timeout time.Duration

	// Logger defaults to a discard logger.
	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * c.HeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// Directory is one agent's view of swarm membership.
type Directory struct {
	cfg Config
	log *logging.Logger

	mu       sync.RWMutex
	self     *Member
	peers    map[string]*Member
	deadCBs  []DeathFunc
	reported map[string]bool

	joined atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewDirectory creates a directory. Call Join to start participating.
func NewDirectory(cfg Config) (*Directory, error) {
	if cfg.Bus == nil {
		return nil, stderrors.New("directory requires a message bus")
	}
	if cfg.SwarmID == "" || cfg.AgentID == "" {
		return nil, stderrors.New("directory requires swarm and agent IDs")
	}
	cfg = cfg.withDefaults()

	return &Directory{
		cfg:      cfg,
		log:      cfg.Logger.WithComponent("membership").WithSwarm(cfg.SwarmID).WithAgent(cfg.AgentID),
		peers:    make(map[string]*Member),
		reported: make(map[string]bool),
		done:     make(chan struct{}),
	}, nil
}

// Join announces this agent to the swarm and starts tracking peers.
func (d *Directory) Join(capabilities []string, metadata map[string]string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if d.joined.Swap(true) {
		return ErrJoined
	}

	now := time.Now().UTC()
	d.mu.Lock()
	d.self = &Member{
		AgentID:      d.cfg.AgentID,
		SwarmID:      d.cfg.SwarmID,
		Capabilities: capabilities,
		Status:       StatusActive,
		Metadata:     metadata,
		JoinedAt:     now,
		LastSeen:     now,
	}
	d.mu.Unlock()

	if err := d.cfg.Bus.Subscribe(Channel(d.cfg.SwarmID)); err != nil {
		d.joined.Store(false)
		return err
	}

	// Seed peers already present before our first heartbeat arrives.
	d.seedFromState()

	d.wg.Add(2)
	go d.listenLoop()
	go d.announceLoop()

	d.log.Info("joined swarm")
	return nil
}

// seedFromState loads presence records peers already mirrored.
func (d *Directory) seedFromState() {
	if d.cfg.State == nil {
		return
	}
	keys, err := d.cfg.State.Keys(presencePattern(d.cfg.SwarmID))
	if err != nil {
		d.log.Warn("presence seed failed", logging.Fields{"error": err.Error()})
		return
	}
	for _, key := range keys {
		raw, err := d.cfg.State.Get(key)
		if err != nil {
			continue
		}
		m, err := DecodeMember(raw)
		if err != nil || m.AgentID == d.cfg.AgentID {
			continue
		}
		d.mu.Lock()
		d.peers[m.AgentID] = m
		d.mu.Unlock()
	}
}

// listenLoop tracks peer heartbeats.
func (d *Directory) listenLoop() {
	defer d.wg.Done()

	sweep := time.NewTicker(d.cfg.HeartbeatInterval)
	defer sweep.Stop()

	for {
		select {
		case env, ok := <-d.cfg.Bus.Listen():
			if !ok {
				return
			}
			m, err := DecodeMember(env.Payload)
			if err != nil {
				d.log.Warn("dropped undecodable heartbeat", logging.Fields{"error": err.Error()})
				continue
			}
			if m.AgentID == d.cfg.AgentID {
				continue
			}
			d.observe(m)

		case <-sweep.C:
			d.sweepDead()

		case <-d.done:
			return
		}
	}
}

func (d *Directory) observe(m *Member) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m.LastSeen = time.Now().UTC()
	if prev, ok := d.peers[m.AgentID]; ok && !prev.JoinedAt.IsZero() {
		m.JoinedAt = prev.JoinedAt
	}
	d.peers[m.AgentID] = m
	delete(d.reported, m.AgentID)
}

// sweepDead drops peers silent past the timeout and fires callbacks.
func (d *Directory) sweepDead() {
	cutoff := time.Now().Add(-d.cfg.Timeout)

	d.mu.Lock()
	var dead []string
	for id, m := range d.peers {
		if m.LastSeen.Before(cutoff) && !d.reported[id] {
			dead = append(dead, id)
			d.reported[id] = true
			delete(d.peers, id)
		}
	}
	cbs := make([]DeathFunc, len(d.deadCBs))
	copy(cbs, d.deadCBs)
	d.mu.Unlock()

	for _, id := range dead {
		d.log.Warn("member timed out", logging.Fields{"agent": id})
		for _, cb := range cbs {
			cb(id)
		}
	}
}

// announceLoop publishes heartbeats and refreshes the presence record.
func (d *Directory) announceLoop() {
	defer d.wg.Done()

	d.announce()
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.announce()
		case <-d.done:
			return
		}
	}
}

func (d *Directory) announce() {
	d.mu.RLock()
	self := *d.self
	d.mu.RUnlock()
	self.LastSeen = time.Now().UTC()

	payload, err := self.Encode()
	if err != nil {
		d.log.Error("encode heartbeat failed", logging.Fields{"error": err.Error()})
		return
	}
	if _, err := d.cfg.Bus.Publish(Channel(d.cfg.SwarmID), payload, bus.PublishOptions{}); err != nil {
		d.log.Warn("heartbeat publish failed", logging.Fields{"error": err.Error()})
	}

	if d.cfg.State != nil {
		key := presenceKey(d.cfg.SwarmID, d.cfg.AgentID)
		if err := d.cfg.State.Put(key, payload, d.cfg.Timeout); err != nil {
			d.log.Warn("presence record refresh failed", logging.Fields{"error": err.Error()})
		}
	}
}

// SetStatus updates the advertised status, carried on the next
// heartbeat.
func (d *Directory) SetStatus(status Status) error {
	if !d.joined.Load() {
		return ErrNotJoined
	}
	d.mu.Lock()
	d.self.Status = status
	d.mu.Unlock()
	return nil
}

// SetLoad updates the advertised load, carried on the next heartbeat.
func (d *Directory) SetLoad(load float64) error {
	if !d.joined.Load() {
		return ErrNotJoined
	}
	d.mu.Lock()
	d.self.Load = load
	d.mu.Unlock()
	return nil
}

// Members returns every live member including self, sorted by agent ID.
func (d *Directory) Members() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Member, 0, len(d.peers)+1)
	if d.self != nil {
		out = append(out, *d.self)
	}
	for _, m := range d.peers {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Member returns one member by agent ID.
func (d *Directory) Member(agentID string) (*Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.self != nil && agentID == d.cfg.AgentID {
		m := *d.self
		return &m, true
	}
	if m, ok := d.peers[agentID]; ok {
		out := *m
		return &out, true
	}
	return nil, false
}

// WithCapability returns live members advertising a capability.
func (d *Directory) WithCapability(cap string) []Member {
	var out []Member
	for _, m := range d.Members() {
		if m.HasCapability(cap) {
			out = append(out, m)
		}
	}
	return out
}

// Count returns the number of live members including self. It is the
// electorate size for quorum calculations.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := len(d.peers)
	if d.self != nil {
		n++
	}
	return n
}

// OnDeath registers a callback fired once per timed-out peer.
func (d *Directory) OnDeath(fn DeathFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadCBs = append(d.deadCBs, fn)
}

// Leave withdraws from the swarm: the presence record is deleted and
// heartbeats stop.
func (d *Directory) Leave() error {
	if !d.joined.Swap(false) {
		return ErrNotJoined
	}
	if d.closed.Swap(true) {
		return nil
	}
	close(d.done)
	d.wg.Wait()

	if d.cfg.State != nil {
		if err := d.cfg.State.Delete(presenceKey(d.cfg.SwarmID, d.cfg.AgentID)); err != nil {
			d.log.Warn("presence record delete failed", logging.Fields{"error": err.Error()})
		}
	}
	err := d.cfg.Bus.Unsubscribe(Channel(d.cfg.SwarmID))
	d.log.Info("left swarm")
	return err
}

// Close is Leave for callers tearing the agent down.
func (d *Directory) Close() error {
	if !d.joined.Load() {
		d.closed.Store(true)
		return nil
	}
	return d.Leave()
}
