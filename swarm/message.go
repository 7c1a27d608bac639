package swarm

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/swarmkit/errors"
)

// BroadcastChannel returns the swarm-wide message channel.
func BroadcastChannel(swarmID string) string {
	return "swarm:" + swarmID + ":broadcast"
}

// AgentChannel returns an agent's direct message channel.
func AgentChannel(swarmID, agentID string) string {
	return "swarm:" + swarmID + ":agent:" + agentID
}

// Message is one agent-to-agent message, broadcast or direct.
type Message struct {
	Type      string                 `msgpack:"type"`
	Data      map[string]interface{} `msgpack:"data,omitempty"`
	From      string                 `msgpack:"from"`
	To        string                 `msgpack:"to,omitempty"` // empty for broadcast
	Timestamp time.Time              `msgpack:"timestamp"`
}

// Encode serializes the message for transport.
func (m *Message) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Malformed("encode message", errors.WithCause(err))
	}
	return data, nil
}

// DecodeMessage deserializes a message from wire bytes.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, errors.Malformed("decode message", errors.WithCause(err))
	}
	if m.Type == "" || m.From == "" {
		return nil, errors.Malformed("decode message: missing type or sender")
	}
	return &m, nil
}
