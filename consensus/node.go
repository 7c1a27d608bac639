package consensus

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/events"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/state"
	"github.com/vinayprograms/swarmkit/store"
)

// ErrStopped is returned by operations on a stopped node.
var ErrStopped = stderrors.New("consensus node stopped")

// ApplyFunc is called for each committed log entry, in index order,
// exactly once per process lifetime. It must be idempotent across
// restarts: after a crash the node re-applies from its last durably
// marked entry.
type ApplyFunc func(entry LogEntry) error

// Config configures a consensus node.
type Config struct {
	// NodeID identifies this node. Must be unique within the group.
	NodeID string

	// SwarmID and GroupID locate the group's RPC channel.
	SwarmID string
	GroupID string

	// Peers are the other node IDs in the group. The group size is
	// len(Peers)+1.
	Peers []string

	// Bus is a dedicated message bus client. The node owns its Listen
	// stream; do not share the client with other consumers.
	Bus bus.MessageBus

	// LogStore persists the replicated log.
	LogStore store.LogStore

	// StateStore persists current term and ballot.
	StateStore state.Store

	// Events, when set, announces leadership changes.
	Events *events.EventBus

	// Apply, when set, receives committed entries in order.
	Apply ApplyFunc

	// Logger defaults to a discard logger.
	Logger *logging.Logger

	// Election timeout is drawn uniformly from [Min, Max) on every
	// reset. Defaults: 150ms and 300ms.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is the leader's append cadence. Default 50ms.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.NodeID == "" || c.SwarmID == "" || c.GroupID == "" {
		return errors.InvalidInput("consensus node requires node, swarm, and group IDs")
	}
	if c.Bus == nil {
		return errors.InvalidInput("consensus node requires a message bus")
	}
	if c.LogStore == nil {
		return errors.InvalidInput("consensus node requires a log store")
	}
	if c.StateStore == nil {
		return errors.InvalidInput("consensus node requires a state store")
	}
	return nil
}

type proposal struct {
	cmd   Command
	reply chan proposeResult
}

type proposeResult struct {
	index uint64
	err   error
}

// Node is one member of a consensus group.
type Node struct {
	cfg Config
	log *logging.Logger

	// Protocol state, owned by the run loop.
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string
	entries     []LogEntry
	commitIndex uint64
	lastApplied uint64
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64
	ballots     map[string]bool

	electionTimer *time.Timer
	heartbeat     *time.Ticker

	proposeCh chan proposal
	done      chan struct{}
	loopDone  chan struct{}
	started   atomic.Bool
	closed    atomic.Bool

	// Mirrors read by accessors outside the loop.
	roleMirror   atomic.Value // Role
	termMirror   atomic.Uint64
	leaderMirror atomic.Value // string
	commitMirror atomic.Uint64
	fatalErr     atomic.Value // error
}

// persistedState is the durable term/ballot record.
type persistedState struct {
	Term     uint64 `msgpack:"term"`
	VotedFor string `msgpack:"voted_for"`
}

func (n *Node) stateKey() string {
	return "consensus." + n.cfg.SwarmID + "." + n.cfg.GroupID + "." + n.cfg.NodeID
}

// NewNode creates a node, recovering persisted term, ballot, and log.
// Call Start to begin participating.
func NewNode(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	n := &Node{
		cfg:  cfg,
		log:  cfg.Logger.WithComponent("consensus").WithSwarm(cfg.SwarmID).WithFields(logging.Fields{"group": cfg.GroupID, "node": cfg.NodeID}),
		role: Follower,

		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		ballots:    make(map[string]bool),

		proposeCh: make(chan proposal),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	n.roleMirror.Store(Follower)
	n.leaderMirror.Store("")

	if err := n.recover(); err != nil {
		return nil, err
	}
	return n, nil
}

// recover loads durable state written by a previous incarnation.
func (n *Node) recover() error {
	raw, err := n.cfg.StateStore.Get(n.stateKey())
	switch {
	case err == nil:
		var ps persistedState
		if err := msgpack.Unmarshal(raw, &ps); err != nil {
			return errors.FatalState("decode persisted term", err)
		}
		n.currentTerm = ps.Term
		n.votedFor = ps.VotedFor
	case err == state.ErrNotFound:
		// Fresh node.
	default:
		return errors.FatalState("load persisted term", err)
	}
	n.termMirror.Store(n.currentTerm)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, err := n.cfg.LogStore.QueryLog(ctx, n.cfg.NodeID, n.cfg.GroupID)
	if err != nil {
		return errors.FatalState("load persisted log", err)
	}
	for _, rec := range recs {
		n.entries = append(n.entries, LogEntry{
			Term:  rec.Term,
			Index: rec.Index,
			Command: Command{
				Type: rec.CommandType,
				Data: rec.CommandData,
			},
		})
		if rec.Applied && rec.Index == n.lastApplied+1 {
			n.lastApplied = rec.Index
		}
	}
	// Applied entries were committed.
	n.commitIndex = n.lastApplied
	n.commitMirror.Store(n.commitIndex)
	return nil
}

// Start subscribes to the group channel and begins the protocol loop.
func (n *Node) Start() error {
	if n.closed.Load() {
		return ErrStopped
	}
	if err := n.cfg.Bus.Subscribe(Channel(n.cfg.SwarmID, n.cfg.GroupID)); err != nil {
		return err
	}
	n.started.Store(true)

	n.electionTimer = time.NewTimer(n.electionTimeout())
	n.heartbeat = time.NewTicker(n.cfg.HeartbeatInterval)
	n.heartbeat.Stop() // leader-only

	go n.run()

	n.log.Info("consensus node started", logging.Fields{"peers": len(n.cfg.Peers)})
	return nil
}

func (n *Node) electionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	return n.cfg.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// run is the protocol loop. All protocol state is confined to it.
func (n *Node) run() {
	defer close(n.loopDone)

	for {
		select {
		case env, ok := <-n.cfg.Bus.Listen():
			if !ok {
				return
			}
			msg, err := DecodeMessage(env.Payload)
			if err != nil {
				n.log.Warn("dropped undecodable rpc", logging.Fields{"error": err.Error()})
				continue
			}
			if msg.From == n.cfg.NodeID {
				continue
			}
			if msg.To != "" && msg.To != n.cfg.NodeID {
				continue
			}
			n.step(msg)

		case <-n.electionTimer.C:
			n.onElectionTimeout()

		case <-n.heartbeat.C:
			if n.role == Leader {
				n.broadcastAppend()
			}

		case p := <-n.proposeCh:
			p.reply <- n.propose(p.cmd)

		case <-n.done:
			return
		}
	}
}

// step dispatches one RPC. Any message with a greater term first
// demotes the node to follower in that term.
func (n *Node) step(msg *Message) {
	term := msg.term()
	if term > n.currentTerm {
		if !n.becomeFollower(term, "") {
			return
		}
	}

	switch msg.Kind {
	case KindRequestVote:
		if msg.RequestVote != nil {
			n.onRequestVote(msg.From, msg.RequestVote)
		}
	case KindVoteReply:
		if msg.VoteReply != nil {
			n.onVoteReply(msg.From, msg.VoteReply)
		}
	case KindAppend:
		if msg.Append != nil {
			n.onAppendEntries(msg.From, msg.Append)
		}
	case KindAppendReply:
		if msg.AppendReply != nil {
			n.onAppendReply(msg.From, msg.AppendReply)
		}
	default:
		n.log.Warn("unknown rpc kind", logging.Fields{"kind": string(msg.Kind)})
	}
}

func (m *Message) term() uint64 {
	switch m.Kind {
	case KindRequestVote:
		if m.RequestVote != nil {
			return m.RequestVote.Term
		}
	case KindVoteReply:
		if m.VoteReply != nil {
			return m.VoteReply.Term
		}
	case KindAppend:
		if m.Append != nil {
			return m.Append.Term
		}
	case KindAppendReply:
		if m.AppendReply != nil {
			return m.AppendReply.Term
		}
	}
	return 0
}

// send publishes a message on the group channel. An empty to reaches
// the whole group.
func (n *Node) send(to string, msg *Message) {
	msg.From = n.cfg.NodeID
	msg.To = to

	payload, err := msg.Encode()
	if err != nil {
		n.log.Error("encode rpc failed", logging.Fields{"error": err.Error()})
		return
	}
	if _, err := n.cfg.Bus.Publish(Channel(n.cfg.SwarmID, n.cfg.GroupID), payload, bus.PublishOptions{}); err != nil {
		// Transport errors heal through election/heartbeat cadence.
		n.log.Warn("rpc publish failed", logging.Fields{"kind": string(msg.Kind), "error": err.Error()})
	}
}

// persistState durably records term and ballot. Returns false and
// halts the node on failure.
func (n *Node) persistState() bool {
	raw, err := msgpack.Marshal(persistedState{Term: n.currentTerm, VotedFor: n.votedFor})
	if err == nil {
		err = n.cfg.StateStore.Put(n.stateKey(), raw, 0)
	}
	if err != nil {
		n.fail(errors.FatalState("persist term", err))
		return false
	}
	return true
}

// persistEntries durably appends log entries. Returns false and halts
// the node on failure.
func (n *Node) persistEntries(entries []LogEntry) bool {
	if len(entries) == 0 {
		return true
	}
	recs := make([]store.LogEntryRecord, len(entries))
	for i, e := range entries {
		recs[i] = store.LogEntryRecord{
			NodeID:      n.cfg.NodeID,
			GroupID:     n.cfg.GroupID,
			Term:        e.Term,
			Index:       e.Index,
			CommandType: e.Command.Type,
			CommandData: e.Command.Data,
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.cfg.LogStore.AppendLogEntries(ctx, recs); err != nil {
		n.fail(errors.FatalState("persist log entries", err))
		return false
	}
	return true
}

// truncateLog durably removes entries at and past fromIndex. Returns
// false and halts the node on failure.
func (n *Node) truncateLog(fromIndex uint64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.cfg.LogStore.TruncateLog(ctx, n.cfg.NodeID, n.cfg.GroupID, fromIndex); err != nil {
		n.fail(errors.FatalState("truncate log", err))
		return false
	}
	return true
}

// fail records a fatal error and stops participation. Correctness
// cannot survive lost durable writes, so the node goes silent instead
// of limping.
func (n *Node) fail(err error) {
	n.fatalErr.Store(err)
	n.log.Error("fatal persistence failure, node halting", logging.Fields{"error": err.Error()})
	if !n.closed.Swap(true) {
		close(n.done)
	}
}

// propose appends a command on the leader. Runs on the loop.
func (n *Node) propose(cmd Command) proposeResult {
	if n.role != Leader {
		return proposeResult{err: errors.NotLeader(n.cfg.NodeID, errors.WithMetadata("leader", n.leaderID))}
	}

	entry := LogEntry{
		Term:    n.currentTerm,
		Index:   n.lastLogIndex() + 1,
		Command: cmd,
	}
	if !n.persistEntries([]LogEntry{entry}) {
		return proposeResult{err: n.Err()}
	}
	n.entries = append(n.entries, entry)
	n.matchIndex[n.cfg.NodeID] = entry.Index

	n.log.Debug("proposed command", logging.Fields{"index": entry.Index, "type": cmd.Type})
	n.broadcastAppend()

	// Single-node group commits immediately.
	n.advanceCommit()
	return proposeResult{index: entry.Index}
}

// ProposeCommand appends a command to the replicated log. Only the
// leader accepts proposals; elsewhere the call fails with a not-leader
// error carrying the last known leader. The returned index is not yet
// committed; observe commits via the apply callback.
func (n *Node) ProposeCommand(cmdType string, data []byte) (uint64, error) {
	if n.closed.Load() {
		return 0, ErrStopped
	}
	p := proposal{cmd: Command{Type: cmdType, Data: data}, reply: make(chan proposeResult, 1)}
	select {
	case n.proposeCh <- p:
	case <-n.done:
		return 0, ErrStopped
	}
	select {
	case res := <-p.reply:
		return res.index, res.err
	case <-n.done:
		return 0, ErrStopped
	}
}

func (n *Node) lastLogIndex() uint64 {
	if len(n.entries) == 0 {
		return 0
	}
	return n.entries[len(n.entries)-1].Index
}

func (n *Node) lastLogTerm() uint64 {
	if len(n.entries) == 0 {
		return 0
	}
	return n.entries[len(n.entries)-1].Term
}

// entryAt returns the entry with the given 1-based index.
func (n *Node) entryAt(index uint64) (LogEntry, bool) {
	if index == 0 || index > uint64(len(n.entries)) {
		return LogEntry{}, false
	}
	return n.entries[index-1], true
}

// groupSize is the number of nodes in the group, including self.
func (n *Node) groupSize() int {
	return len(n.cfg.Peers) + 1
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	return n.roleMirror.Load().(Role)
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	return n.termMirror.Load()
}

// LeaderID returns the last known leader, or empty.
func (n *Node) LeaderID() string {
	return n.leaderMirror.Load().(string)
}

// CommitIndex returns the highest committed log index.
func (n *Node) CommitIndex() uint64 {
	return n.commitMirror.Load()
}

// Err returns the fatal error that halted the node, if any.
func (n *Node) Err() error {
	if err, ok := n.fatalErr.Load().(error); ok {
		return err
	}
	return nil
}

// Close stops the protocol loop and unsubscribes from the group
// channel. The bus client itself is owned by the caller.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.done)
	if !n.started.Load() {
		return nil
	}
	<-n.loopDone
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeat != nil {
		n.heartbeat.Stop()
	}
	return n.cfg.Bus.Unsubscribe(Channel(n.cfg.SwarmID, n.cfg.GroupID))
}
