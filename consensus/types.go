package consensus

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/swarmkit/errors"
)

// Role is a node's current protocol role.
type Role string

const (
	Follower  Role = "follower"
	Candidate Role = "candidate"
	Leader    Role = "leader"
)

// Command is an opaque state-machine command carried in the log.
type Command struct {
	Type string `msgpack:"type"`
	Data []byte `msgpack:"data,omitempty"`
}

// LogEntry is one replicated log entry. Index is 1-based.
type LogEntry struct {
	Term    uint64  `msgpack:"term"`
	Index   uint64  `msgpack:"index"`
	Command Command `msgpack:"command"`
}

// Kind discriminates the RPC union carried on the group channel.
type Kind string

const (
	KindRequestVote Kind = "request_vote"
	KindVoteReply   Kind = "request_vote_response"
	KindAppend      Kind = "append_entries"
	KindAppendReply Kind = "append_entries_response"
)

// RequestVote asks peers for their ballot in a new term.
type RequestVote struct {
	Term         uint64 `msgpack:"term"`
	CandidateID  string `msgpack:"candidate_id"`
	LastLogIndex uint64 `msgpack:"last_log_index"`
	LastLogTerm  uint64 `msgpack:"last_log_term"`
}

// VoteReply answers a RequestVote.
type VoteReply struct {
	Term    uint64 `msgpack:"term"`
	Granted bool   `msgpack:"granted"`
}

// AppendEntries carries heartbeats and log replication from the leader.
type AppendEntries struct {
	Term         uint64     `msgpack:"term"`
	LeaderID     string     `msgpack:"leader_id"`
	PrevLogIndex uint64     `msgpack:"prev_log_index"`
	PrevLogTerm  uint64     `msgpack:"prev_log_term"`
	Entries      []LogEntry `msgpack:"entries,omitempty"`
	LeaderCommit uint64     `msgpack:"leader_commit"`
}

// AppendReply answers an AppendEntries.
type AppendReply struct {
	Term       uint64 `msgpack:"term"`
	Success    bool   `msgpack:"success"`
	MatchIndex uint64 `msgpack:"match_index"`
}

// Message is the tagged union exchanged on the group RPC channel.
// Exactly one payload field matching Kind is set. An empty To means the
// message is for every node in the group.
type Message struct {
	Kind Kind   `msgpack:"kind"`
	From string `msgpack:"from"`
	To   string `msgpack:"to,omitempty"`

	RequestVote *RequestVote   `msgpack:"request_vote,omitempty"`
	VoteReply   *VoteReply     `msgpack:"vote_reply,omitempty"`
	Append      *AppendEntries `msgpack:"append,omitempty"`
	AppendReply *AppendReply   `msgpack:"append_reply,omitempty"`
}

// Encode serializes a message for transport.
func (m *Message) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Malformed("encode consensus message", errors.WithCause(err))
	}
	return data, nil
}

// DecodeMessage deserializes a message from wire bytes.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, errors.Malformed("decode consensus message", errors.WithCause(err))
	}
	if m.Kind == "" || m.From == "" {
		return nil, errors.Malformed("decode consensus message: missing kind or sender")
	}
	return &m, nil
}

// Channel returns the bus channel a consensus group exchanges RPCs on.
func Channel(swarmID, groupID string) string {
	return "swarm:" + swarmID + ":consensus:" + groupID + ":rpc"
}
