package membership

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/swarmkit/errors"
)

// Status is a member's advertised operational state.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
)

// Member is one agent's presence in a swarm.
type Member struct {
	AgentID      string            `msgpack:"agent_id"`
	SwarmID      string            `msgpack:"swarm_id"`
	Capabilities []string          `msgpack:"capabilities,omitempty"`
	Status       Status            `msgpack:"status"`
	Load         float64           `msgpack:"load"`
	Metadata     map[string]string `msgpack:"metadata,omitempty"`
	JoinedAt     time.Time         `msgpack:"joined_at"`
	LastSeen     time.Time         `msgpack:"last_seen"`
}

// HasCapability reports whether the member advertises a capability.
func (m *Member) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Encode serializes the member for transport and presence records.
func (m *Member) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Malformed("encode member", errors.WithCause(err))
	}
	return data, nil
}

// DecodeMember deserializes a member from wire bytes.
func DecodeMember(data []byte) (*Member, error) {
	var m Member
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, errors.Malformed("decode member", errors.WithCause(err))
	}
	if m.AgentID == "" {
		return nil, errors.Malformed("decode member: missing agent ID")
	}
	return &m, nil
}

// Channel returns the bus channel heartbeats are published on.
func Channel(swarmID string) string {
	return "swarm:" + swarmID + ":heartbeat"
}

// presenceKey is the state-store key holding a member's record.
func presenceKey(swarmID, agentID string) string {
	return "presence." + swarmID + "." + agentID
}

// presencePattern matches every member of a swarm.
func presencePattern(swarmID string) string {
	return "presence." + swarmID + ".*"
}
