package swarm

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/consensus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/events"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/membership"
	"github.com/vinayprograms/swarmkit/shutdown"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/store"
	"github.com/vinayprograms/swarmkit/voting"
)

// Common errors.
var (
	ErrNotJoined = stderrors.New("agent has not joined a swarm")
	ErrJoined    = stderrors.New("agent already joined a swarm")
)

// BusFactory opens a new message bus client on the swarm's broker.
// Components that consume a Listen stream each need their own client.
type BusFactory func() (bus.MessageBus, error)

// Config configures an Agent.
type Config struct {
	// AgentID identifies this agent. Required.
	AgentID string

	// NewBus opens bus clients on the swarm's broker. Required.
	NewBus BusFactory

	// Store persists events, consensus logs, and votes. Optional; an
	// agent without a store cannot replay events and holds consensus
	// state in memory-backed stores supplied by the caller.
	Store store.Store

	// State is shared key-value storage for presence and consensus
	// terms. Defaults to an in-process store.
	State state.Store

	// Capabilities and Metadata are advertised to the swarm.
	Capabilities []string
	Metadata     map[string]string

	// HeartbeatInterval and MemberTimeout tune the membership
	// directory. Zero uses the directory defaults.
	HeartbeatInterval time.Duration
	MemberTimeout     time.Duration

	// Logger defaults to a discard logger.
	Logger *logging.Logger
}

// Health aggregates the health of every component an agent runs.
type Health struct {
	Status          bus.Status
	Bus             *bus.Health
	Events          *events.Health
	StoreReachable  bool
	Members         int
	ConsensusGroups map[string]consensus.Role
}

// Agent is one participant in a swarm.
type Agent struct {
	cfg     Config
	swarmID string
	log     *logging.Logger

	comms     bus.MessageBus
	eventBus  *events.EventBus
	votes     *voting.System
	directory *membership.Directory
	coord     *shutdown.Coordinator

	mu     sync.Mutex
	groups map[string]*consensus.Node

	msgs   chan *Message
	joined atomic.Bool
	closed atomic.Bool
}

// NewAgent creates an agent. Call Join to enter a swarm.
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.AgentID == "" {
		return nil, errors.InvalidInput("agent requires an ID")
	}
	if cfg.NewBus == nil {
		return nil, errors.InvalidInput("agent requires a bus factory")
	}
	if cfg.State == nil {
		cfg.State = state.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Agent{
		cfg:    cfg,
		groups: make(map[string]*consensus.Node),
		msgs:   make(chan *Message, 64),
	}, nil
}

// ID returns the agent's ID.
func (a *Agent) ID() string { return a.cfg.AgentID }

// SwarmID returns the joined swarm, or empty.
func (a *Agent) SwarmID() string { return a.swarmID }

// Join enters a swarm: the agent subscribes to its message channels,
// starts its event bus and voting system, and announces itself to the
// membership directory.
func (a *Agent) Join(swarmID string) error {
	if a.closed.Load() {
		return ErrNotJoined
	}
	if swarmID == "" {
		return errors.InvalidInput("swarm ID is required")
	}
	if a.joined.Swap(true) {
		return ErrJoined
	}

	a.swarmID = swarmID
	a.log = a.cfg.Logger.WithComponent("swarm").WithSwarm(swarmID).WithAgent(a.cfg.AgentID)
	a.coord = shutdown.NewCoordinator(shutdown.Config{Logger: a.cfg.Logger})

	if err := a.wire(); err != nil {
		a.joined.Store(false)
		return err
	}

	a.log.Info("agent joined swarm")
	return nil
}

// wire builds every component in dependency order, registering each
// with the shutdown coordinator as it comes up.
func (a *Agent) wire() error {
	// Direct + broadcast messaging.
	comms, err := a.cfg.NewBus()
	if err != nil {
		return errors.Wrap(err, "open comms bus")
	}
	a.comms = comms
	a.coord.RegisterPhase("bus", shutdown.PhaseBus, func(context.Context) error {
		return comms.Close()
	})

	if err := comms.Subscribe(BroadcastChannel(a.swarmID)); err != nil {
		return err
	}
	if err := comms.Subscribe(AgentChannel(a.swarmID, a.cfg.AgentID)); err != nil {
		return err
	}
	go a.pumpMessages()

	// Typed events.
	eventsBus, err := a.cfg.NewBus()
	if err != nil {
		return errors.Wrap(err, "open events bus")
	}
	var eventStore store.EventStore
	if a.cfg.Store != nil {
		eventStore = a.cfg.Store
	}
	eb, err := events.New(events.Config{
		Bus:     eventsBus,
		Store:   eventStore,
		SwarmID: a.swarmID,
		Logger:  a.cfg.Logger,
	})
	if err != nil {
		eventsBus.Close()
		return err
	}
	a.eventBus = eb
	a.coord.RegisterPhase("events", shutdown.PhaseEvents, func(context.Context) error {
		err := eb.Close()
		eventsBus.Close()
		return err
	})

	// Membership.
	memberBus, err := a.cfg.NewBus()
	if err != nil {
		return errors.Wrap(err, "open membership bus")
	}
	dir, err := membership.NewDirectory(membership.Config{
		Bus:               memberBus,
		State:             a.cfg.State,
		SwarmID:           a.swarmID,
		AgentID:           a.cfg.AgentID,
		HeartbeatInterval: a.cfg.HeartbeatInterval,
		Timeout:           a.cfg.MemberTimeout,
		Logger:            a.cfg.Logger,
	})
	if err != nil {
		memberBus.Close()
		return err
	}
	if err := dir.Join(a.cfg.Capabilities, a.cfg.Metadata); err != nil {
		memberBus.Close()
		return err
	}
	a.directory = dir
	a.coord.RegisterPhase("membership", shutdown.PhaseMembership, func(context.Context) error {
		err := dir.Leave()
		memberBus.Close()
		if err == membership.ErrNotJoined {
			return nil
		}
		return err
	})

	// Voting, with the live member count as the electorate.
	var voteStore store.VoteStore
	if a.cfg.Store != nil {
		voteStore = a.cfg.Store
	} else {
		voteStore = store.NewMemoryStore()
	}
	voteBus, err := a.cfg.NewBus()
	if err != nil {
		return errors.Wrap(err, "open voting bus")
	}
	votes, err := voting.NewSystem(voting.Config{
		Bus:      voteBus,
		Store:    voteStore,
		SwarmID:  a.swarmID,
		Eligible: dir.Count,
		Logger:   a.cfg.Logger,
	})
	if err != nil {
		voteBus.Close()
		return err
	}
	a.votes = votes
	a.coord.RegisterPhase("voting", shutdown.PhaseVoting, func(context.Context) error {
		err := votes.Close()
		voteBus.Close()
		return err
	})

	return nil
}

// pumpMessages decodes the comms stream into the agent's message
// channel, dropping rather than blocking when the consumer lags.
func (a *Agent) pumpMessages() {
	for env := range a.comms.Listen() {
		msg, err := DecodeMessage(env.Payload)
		if err != nil {
			a.log.Warn("dropped undecodable message", logging.Fields{
				"channel": env.Channel,
				"error":   err.Error(),
			})
			continue
		}
		if msg.From == a.cfg.AgentID {
			continue
		}
		select {
		case a.msgs <- msg:
		default:
			a.log.Warn("message consumer lagging, dropped", logging.Fields{"type": msg.Type})
		}
	}
	close(a.msgs)
}

// Messages returns the stream of broadcast and direct messages
// addressed to this agent. Closed when the agent leaves.
func (a *Agent) Messages() <-chan *Message {
	return a.msgs
}

// SendMessage sends to one agent, or broadcasts to the swarm when
// targetAgentID is empty.
func (a *Agent) SendMessage(msgType string, data map[string]interface{}, targetAgentID string) error {
	if !a.joined.Load() {
		return ErrNotJoined
	}

	msg := &Message{
		Type:      msgType,
		Data:      data,
		From:      a.cfg.AgentID,
		To:        targetAgentID,
		Timestamp: time.Now().UTC(),
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	channel := BroadcastChannel(a.swarmID)
	if targetAgentID != "" {
		channel = AgentChannel(a.swarmID, targetAgentID)
	}
	_, err = a.comms.Publish(channel, payload, bus.PublishOptions{})
	return err
}

// PublishEvent publishes a typed event from this agent.
func (a *Agent) PublishEvent(eventType string, data map[string]interface{}, isGlobal, persist bool) (string, error) {
	if !a.joined.Load() {
		return "", ErrNotJoined
	}
	return a.eventBus.PublishEvent(eventType, data, a.cfg.AgentID, isGlobal, persist)
}

// SubscribeEvents registers a handler for an event type.
func (a *Agent) SubscribeEvents(eventType string, handler events.Handler) error {
	if !a.joined.Load() {
		return ErrNotJoined
	}
	return a.eventBus.Subscribe(eventType, a.cfg.AgentID, handler)
}

// UnsubscribeEvents removes this agent's handler for an event type.
func (a *Agent) UnsubscribeEvents(eventType string) error {
	if !a.joined.Load() {
		return ErrNotJoined
	}
	return a.eventBus.Unsubscribe(eventType, a.cfg.AgentID)
}

// ReplayEvents replays persisted history through the given handlers.
func (a *Agent) ReplayEvents(ctx context.Context, filter store.EventFilter, handlers ...events.Handler) (int, error) {
	if !a.joined.Load() {
		return 0, ErrNotJoined
	}
	return a.eventBus.Replay(ctx, filter, handlers...)
}

// CreateVote opens a vote in the swarm on this agent's behalf.
func (a *Agent) CreateVote(voteType, subject, description string, options []string, strategy voting.Strategy, requiredQuorum float64, ttl time.Duration) (string, error) {
	if !a.joined.Load() {
		return "", ErrNotJoined
	}
	return a.votes.CreateVote(voteType, subject, description, options, a.cfg.AgentID, strategy, requiredQuorum, ttl)
}

// CastVote records this agent's ballot.
func (a *Agent) CastVote(voteID, option string, confidence float64, rationale string, weight float64) error {
	if !a.joined.Load() {
		return ErrNotJoined
	}
	return a.votes.CastVote(voteID, a.cfg.AgentID, option, confidence, rationale, weight)
}

// Votes exposes the voting system for executor registration and reads.
func (a *Agent) Votes() *voting.System {
	return a.votes
}

// Directory exposes the membership directory.
func (a *Agent) Directory() *membership.Directory {
	return a.directory
}

// JoinConsensusGroup starts a consensus node for a group. Peers are
// the other member agent IDs expected in the group; apply receives
// committed commands.
func (a *Agent) JoinConsensusGroup(groupID string, peers []string, apply consensus.ApplyFunc) (*consensus.Node, error) {
	if !a.joined.Load() {
		return nil, ErrNotJoined
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.groups[groupID]; ok {
		return nil, errors.InvalidInput("already in consensus group " + groupID)
	}

	var logStore store.LogStore
	if a.cfg.Store != nil {
		logStore = a.cfg.Store
	} else {
		logStore = store.NewMemoryStore()
	}

	groupBus, err := a.cfg.NewBus()
	if err != nil {
		return nil, errors.Wrap(err, "open consensus bus")
	}

	node, err := consensus.NewNode(consensus.Config{
		NodeID:     a.cfg.AgentID,
		SwarmID:    a.swarmID,
		GroupID:    groupID,
		Peers:      peers,
		Bus:        groupBus,
		LogStore:   logStore,
		StateStore: a.cfg.State,
		Events:     a.eventBus,
		Apply:      apply,
		Logger:     a.cfg.Logger,
	})
	if err != nil {
		groupBus.Close()
		return nil, err
	}
	if err := node.Start(); err != nil {
		groupBus.Close()
		return nil, err
	}

	a.groups[groupID] = node
	a.coord.RegisterPhase("consensus:"+groupID, shutdown.PhaseConsensus, func(context.Context) error {
		err := node.Close()
		groupBus.Close()
		return err
	})

	a.log.Info("joined consensus group", logging.Fields{"group": groupID, "peers": len(peers)})
	return node, nil
}

// ConsensusGroup returns the node for a joined group.
func (a *Agent) ConsensusGroup(groupID string) (*consensus.Node, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	node, ok := a.groups[groupID]
	return node, ok
}

// HealthCheck aggregates the health of every component.
func (a *Agent) HealthCheck(ctx context.Context) (*Health, error) {
	if !a.joined.Load() {
		return nil, ErrNotJoined
	}

	busHealth, err := a.comms.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	eventsHealth, err := a.eventBus.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}

	h := &Health{
		Status:          busHealth.Status,
		Bus:             busHealth,
		Events:          eventsHealth,
		Members:         a.directory.Count(),
		ConsensusGroups: make(map[string]consensus.Role),
	}
	if eventsHealth.Status != bus.StatusHealthy && h.Status == bus.StatusHealthy {
		h.Status = eventsHealth.Status
	}

	if a.cfg.Store != nil {
		h.StoreReachable = a.cfg.Store.Ping(ctx) == nil
		if !h.StoreReachable && h.Status == bus.StatusHealthy {
			h.Status = bus.StatusDegraded
		}
	}

	a.mu.Lock()
	for groupID, node := range a.groups {
		h.ConsensusGroups[groupID] = node.Role()
	}
	a.mu.Unlock()

	return h, nil
}

// Leave tears the agent down: consensus groups first, then voting,
// membership, events, and the bus connection last.
func (a *Agent) Leave() error {
	if !a.joined.Swap(false) {
		return ErrNotJoined
	}
	if a.closed.Swap(true) {
		return nil
	}

	err := a.coord.ShutdownWithTimeout(0)
	a.log.Info("agent left swarm")
	return err
}

// Close is Leave for callers tearing the process down.
func (a *Agent) Close() error {
	if !a.joined.Load() {
		a.closed.Store(true)
		return nil
	}
	return a.Leave()
}
