package voting

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/store"
)

// Strategy decides how a winner is computed.
type Strategy string

const (
	// SimpleMajority wins with more than half the votes cast.
	SimpleMajority Strategy = "simple_majority"
	// SuperMajority wins with more than two thirds of the votes cast.
	SuperMajority Strategy = "super_majority"
	// Weighted wins with the highest weight*confidence total, provided
	// it exceeds half the summed weighted total.
	Weighted Strategy = "weighted"
	// Consensus wins only when every vote cast names the same option.
	Consensus Strategy = "consensus"
)

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case SimpleMajority, SuperMajority, Weighted, Consensus:
		return true
	}
	return false
}

// Status is a vote's lifecycle state. A vote leaves StatusOpen exactly
// once and never returns.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Well-known vote types with dedicated executors.
const (
	TypeConflictResolution = "conflict-resolution"
	TypeTaskAssignment     = "task-assignment"
	TypeConfigChange       = "config-change"
	TypeLeaderElection     = "leader-election"
)

// Vote is one collective decision in progress or settled.
type Vote struct {
	ID             string             `msgpack:"id"`
	SwarmID        string             `msgpack:"swarm_id"`
	Type           string             `msgpack:"type"`
	Subject        string             `msgpack:"subject"`
	Description    string             `msgpack:"description,omitempty"`
	Options        []string           `msgpack:"options"`
	Strategy       Strategy           `msgpack:"strategy"`
	RequiredQuorum float64            `msgpack:"required_quorum"`
	Status         Status             `msgpack:"status"`
	CreatedBy      string             `msgpack:"created_by"`
	CreatedAt      time.Time          `msgpack:"created_at"`
	ExpiresAt      time.Time          `msgpack:"expires_at"`
	OptionCounts   map[string]int     `msgpack:"option_counts,omitempty"`
	WeightedCounts map[string]float64 `msgpack:"weighted_counts,omitempty"`
	Winner         string             `msgpack:"winner,omitempty"`
	ClosedAt       time.Time          `msgpack:"closed_at,omitempty"`
}

// HasOption reports whether option is one of the vote's choices.
func (v *Vote) HasOption(option string) bool {
	for _, o := range v.Options {
		if o == option {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the vote's deadline has passed.
func (v *Vote) ExpiredAt(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt)
}

// Response is one agent's answer to a vote.
type Response struct {
	VoteID     string    `msgpack:"vote_id"`
	AgentID    string    `msgpack:"agent_id"`
	Option     string    `msgpack:"option"`
	Confidence float64   `msgpack:"confidence"`
	Rationale  string    `msgpack:"rationale,omitempty"`
	Weight     float64   `msgpack:"weight"`
	VotedAt    time.Time `msgpack:"voted_at"`
}

// Announcement actions published on the swarm vote channel.
const (
	ActionCreated   = "created"
	ActionCast      = "cast"
	ActionClosed    = "closed"
	ActionCancelled = "cancelled"
	ActionExpired   = "expired"
)

// Announcement is the message published for every vote transition.
type Announcement struct {
	Action  string `msgpack:"action"`
	Vote    *Vote  `msgpack:"vote"`
	AgentID string `msgpack:"agent_id,omitempty"`
	Reason  string `msgpack:"reason,omitempty"`
}

// Encode serializes the announcement for transport.
func (a *Announcement) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(a)
	if err != nil {
		return nil, errors.Malformed("encode vote announcement", errors.WithCause(err))
	}
	return data, nil
}

// DecodeAnnouncement deserializes an announcement from wire bytes.
func DecodeAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, errors.Malformed("decode vote announcement", errors.WithCause(err))
	}
	if a.Action == "" || a.Vote == nil {
		return nil, errors.Malformed("decode vote announcement: missing action or vote")
	}
	return &a, nil
}

// Channel returns the bus channel vote announcements are published on.
func Channel(swarmID string) string {
	return "swarm:" + swarmID + ":votes"
}

func toRecord(v *Vote) store.VoteRecord {
	return store.VoteRecord{
		ID:             v.ID,
		SwarmID:        v.SwarmID,
		Type:           v.Type,
		Subject:        v.Subject,
		Description:    v.Description,
		Options:        v.Options,
		Strategy:       string(v.Strategy),
		RequiredQuorum: v.RequiredQuorum,
		Status:         string(v.Status),
		CreatedBy:      v.CreatedBy,
		CreatedAt:      v.CreatedAt,
		ExpiresAt:      v.ExpiresAt,
		OptionCounts:   v.OptionCounts,
		WeightedCounts: v.WeightedCounts,
		Winner:         v.Winner,
		ClosedAt:       v.ClosedAt,
	}
}

func fromRecord(rec *store.VoteRecord) *Vote {
	return &Vote{
		ID:             rec.ID,
		SwarmID:        rec.SwarmID,
		Type:           rec.Type,
		Subject:        rec.Subject,
		Description:    rec.Description,
		Options:        rec.Options,
		Strategy:       Strategy(rec.Strategy),
		RequiredQuorum: rec.RequiredQuorum,
		Status:         Status(rec.Status),
		CreatedBy:      rec.CreatedBy,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		OptionCounts:   rec.OptionCounts,
		WeightedCounts: rec.WeightedCounts,
		Winner:         rec.Winner,
		ClosedAt:       rec.ClosedAt,
	}
}

func responseFromRecord(rec *store.VoteResponseRecord) Response {
	return Response{
		VoteID:     rec.VoteID,
		AgentID:    rec.AgentID,
		Option:     rec.Option,
		Confidence: rec.Confidence,
		Rationale:  rec.Rationale,
		Weight:     rec.Weight,
		VotedAt:    rec.VotedAt,
	}
}
