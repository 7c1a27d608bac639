package voting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/store"
)

// Executor acts on a closed vote of its registered type. Executors run
// outside the system's lock and may call back into it.
type Executor func(v *Vote) error

// EligibleVotersFunc returns the number of agents entitled to vote
// right now. It is consulted once per close evaluation so quorum
// reflects current membership.
type EligibleVotersFunc func() int

// Config configures a System.
type Config struct {
	// Bus carries vote announcements. Required.
	Bus bus.MessageBus

	// Store persists votes and responses. Required; it is the source
	// of truth and the in-memory map is only a cache.
	Store store.VoteStore

	// SwarmID scopes the announcement channel and vote records.
	SwarmID string

	// Eligible reports the electorate size. When nil, the number of
	// responses received stands in, which makes quorum trivially met.
	Eligible EligibleVotersFunc

	// SweepInterval is how often open votes are checked for expiry.
	// Default 1s.
	SweepInterval time.Duration

	// Logger defaults to a discard logger.
	Logger *logging.Logger
}

// System runs votes for one swarm.
type System struct {
	bus      bus.MessageBus
	store    store.VoteStore
	swarmID  string
	eligible EligibleVotersFunc
	log      *logging.Logger

	mu        sync.Mutex
	cache     map[string]*Vote // write-through; store is authoritative
	executors map[string]Executor

	sweep  *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewSystem creates a voting system and starts its expiry sweep.
func NewSystem(cfg Config) (*System, error) {
	if cfg.Bus == nil {
		return nil, errors.InvalidInput("voting system requires a message bus")
	}
	if cfg.Store == nil {
		return nil, errors.InvalidInput("voting system requires a vote store")
	}
	if cfg.SwarmID == "" {
		return nil, errors.InvalidInput("voting system requires a swarm ID")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	s := &System{
		bus:       cfg.Bus,
		store:     cfg.Store,
		swarmID:   cfg.SwarmID,
		eligible:  cfg.Eligible,
		log:       log.WithComponent("voting").WithSwarm(cfg.SwarmID),
		cache:     make(map[string]*Vote),
		executors: make(map[string]Executor),
		sweep:     time.NewTicker(cfg.SweepInterval),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop()
	return s, nil
}

// RegisterExecutor installs the handler dispatched when a vote of the
// given type closes with a winner. Votes of unregistered types still
// close and record their result; execution is a no-op.
func (s *System) RegisterExecutor(voteType string, fn Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[voteType] = fn
}

// CreateVote opens a new vote and announces it. Returns the vote ID.
func (s *System) CreateVote(voteType, subject, description string, options []string, creatorID string, strategy Strategy, requiredQuorum float64, ttl time.Duration) (string, error) {
	if s.closed.Load() {
		return "", bus.ErrClosed
	}
	if !ValidStrategy(strategy) {
		return "", errors.InvalidInput("unknown voting strategy: " + string(strategy))
	}
	if requiredQuorum <= 0 || requiredQuorum > 1 {
		return "", errors.InvalidInput("required quorum must be in (0, 1]")
	}
	if len(options) < 2 {
		return "", errors.InvalidInput("a vote needs at least two options")
	}
	if ttl <= 0 {
		return "", errors.InvalidInput("vote TTL must be positive")
	}

	now := time.Now().UTC()
	v := &Vote{
		ID:             uuid.NewString(),
		SwarmID:        s.swarmID,
		Type:           voteType,
		Subject:        subject,
		Description:    description,
		Options:        options,
		Strategy:       strategy,
		RequiredQuorum: requiredQuorum,
		Status:         StatusOpen,
		CreatedBy:      creatorID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		OptionCounts:   make(map[string]int),
		WeightedCounts: make(map[string]float64),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(v); err != nil {
		return "", err
	}
	s.cache[v.ID] = v
	s.announce(ActionCreated, v, creatorID, "")

	s.log.Info("vote created", logging.Fields{
		"vote_id":  v.ID,
		"type":     voteType,
		"strategy": string(strategy),
	})
	return v.ID, nil
}

// CastVote records or overwrites an agent's response, recomputes the
// tallies, announces the cast, and evaluates whether the vote closes.
func (s *System) CastVote(voteID, agentID, option string, confidence float64, rationale string, weight float64) error {
	if s.closed.Load() {
		return bus.ErrClosed
	}
	if confidence < 0 || confidence > 1 {
		return errors.InvalidInput("confidence must be in [0, 1]")
	}
	if weight <= 0 {
		weight = 1
	}

	var decided *Vote

	s.mu.Lock()
	err := func() error {
		v, err := s.load(voteID)
		if err != nil {
			return err
		}

		// An expired-but-unswept vote is settled here rather than
		// accepting a late ballot.
		if v.Status == StatusOpen && v.ExpiredAt(time.Now()) {
			s.transition(v, StatusExpired, ActionExpired, agentID, "")
			return errors.VoteExpired(voteID)
		}
		if v.Status != StatusOpen {
			return errors.VoteClosed(voteID, string(v.Status))
		}
		if !v.HasOption(option) {
			return errors.InvalidOption(voteID, option)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.store.SaveVoteResponse(ctx, store.VoteResponseRecord{
			VoteID:     voteID,
			AgentID:    agentID,
			Option:     option,
			Confidence: confidence,
			Rationale:  rationale,
			Weight:     weight,
			VotedAt:    time.Now().UTC(),
		}); err != nil {
			return errors.StoreWrite("save vote response", err)
		}

		responses, err := s.responses(ctx, voteID)
		if err != nil {
			return err
		}

		tally(v, responses)
		if err := s.save(v); err != nil {
			return err
		}
		s.announce(ActionCast, v, agentID, "")

		decided = s.evaluate(v, responses)
		return nil
	}()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if decided != nil {
		s.execute(decided)
	}
	return nil
}

// evaluate decides whether an open vote closes. Quorum gates first;
// with quorum met but no option over its threshold, the vote stays
// open awaiting more responses. Caller holds s.mu. Returns the vote if
// it closed with a winner.
func (s *System) evaluate(v *Vote, responses []Response) *Vote {
	electorate := len(responses)
	if s.eligible != nil {
		electorate = s.eligible()
	}
	if electorate <= 0 {
		return nil
	}

	participation := float64(len(responses)) / float64(electorate)
	if participation < v.RequiredQuorum {
		return nil
	}

	won := winner(v, responses)
	if won == "" {
		return nil
	}

	v.Winner = won
	s.transition(v, StatusClosed, ActionClosed, "", "")
	s.log.Info("vote closed", logging.Fields{
		"vote_id": v.ID,
		"winner":  won,
	})
	return v
}

// execute dispatches a decided vote to its type's executor.
func (s *System) execute(v *Vote) {
	s.mu.Lock()
	fn := s.executors[v.Type]
	s.mu.Unlock()

	if fn == nil {
		// Result is recorded; nothing to run for this type.
		s.log.Debug("no executor for vote type", logging.Fields{"type": v.Type})
		return
	}
	if err := fn(v); err != nil {
		s.log.Error("vote executor failed", logging.Fields{
			"vote_id": v.ID,
			"type":    v.Type,
			"error":   err.Error(),
		})
	}
}

// CancelVote withdraws an open vote.
func (s *System) CancelVote(voteID, byAgentID, reason string) error {
	if s.closed.Load() {
		return bus.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load(voteID)
	if err != nil {
		return err
	}
	if v.Status != StatusOpen {
		return errors.VoteClosed(voteID, string(v.Status))
	}

	s.transition(v, StatusCancelled, ActionCancelled, byAgentID, reason)
	s.log.Info("vote cancelled", logging.Fields{"vote_id": voteID, "by": byAgentID})
	return nil
}

// GetVote returns a vote by ID.
func (s *System) GetVote(voteID string) (*Vote, error) {
	if s.closed.Load() {
		return nil, bus.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load(voteID)
	if err != nil {
		return nil, err
	}
	out := *v
	return &out, nil
}

// Responses returns all responses cast on a vote.
func (s *System) Responses(voteID string) ([]Response, error) {
	if s.closed.Load() {
		return nil, bus.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.responses(ctx, voteID)
}

// load fetches a vote, preferring the cache. Caller holds s.mu.
func (s *System) load(voteID string) (*Vote, error) {
	if v, ok := s.cache[voteID]; ok {
		return v, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := s.store.GetVote(ctx, voteID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errors.NotFound("vote " + voteID)
		}
		return nil, errors.Wrap(err, "load vote")
	}
	v := fromRecord(rec)
	s.cache[voteID] = v
	return v, nil
}

// save writes a vote through to the store. Caller holds s.mu.
func (s *System) save(v *Vote) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveVote(ctx, toRecord(v)); err != nil {
		return errors.StoreWrite("save vote", err)
	}
	return nil
}

func (s *System) responses(ctx context.Context, voteID string) ([]Response, error) {
	recs, err := s.store.ListVoteResponses(ctx, voteID)
	if err != nil {
		return nil, errors.Wrap(err, "list vote responses")
	}
	out := make([]Response, len(recs))
	for i := range recs {
		out[i] = responseFromRecord(&recs[i])
	}
	return out, nil
}

// transition moves a vote out of open, persists it, and announces.
// Caller holds s.mu.
func (s *System) transition(v *Vote, to Status, action, agentID, reason string) {
	v.Status = to
	v.ClosedAt = time.Now().UTC()
	if err := s.save(v); err != nil {
		// The cache still reflects the transition; the next save
		// retries the write.
		s.log.Error("persist vote transition failed", logging.Fields{
			"vote_id": v.ID,
			"status":  string(to),
			"error":   err.Error(),
		})
	}
	s.announce(action, v, agentID, reason)
}

// announce publishes a vote transition on the swarm's vote channel.
func (s *System) announce(action string, v *Vote, agentID, reason string) {
	snap := *v
	a := &Announcement{Action: action, Vote: &snap, AgentID: agentID, Reason: reason}
	payload, err := a.Encode()
	if err != nil {
		s.log.Error("encode announcement failed", logging.Fields{"error": err.Error()})
		return
	}
	if _, err := s.bus.Publish(Channel(s.swarmID), payload, bus.PublishOptions{}); err != nil {
		s.log.Warn("announce failed", logging.Fields{
			"action":  action,
			"vote_id": v.ID,
			"error":   err.Error(),
		})
	}
}

// sweepLoop expires open votes past their deadline.
func (s *System) sweepLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.sweep.C:
			s.sweepExpired()
		case <-s.done:
			return
		}
	}
}

func (s *System) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, err := s.store.ListVotes(ctx, store.VoteFilter{SwarmID: s.swarmID, Status: string(StatusOpen)})
	if err != nil {
		s.log.Warn("expiry sweep query failed", logging.Fields{"error": err.Error()})
		return
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range recs {
		v, err := s.load(recs[i].ID)
		if err != nil || v.Status != StatusOpen || !v.ExpiredAt(now) {
			continue
		}
		s.transition(v, StatusExpired, ActionExpired, "", "")
		s.log.Info("vote expired", logging.Fields{"vote_id": v.ID})
	}
}

// Close stops the expiry sweep. Pending announcements are not flushed.
func (s *System) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.sweep.Stop()
	close(s.done)
	s.wg.Wait()
	return nil
}
