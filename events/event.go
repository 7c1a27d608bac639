package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/swarmkit/errors"
)

// GlobalSwarmID is the swarm namespace used for events published with
// IsGlobal set. Agents in any swarm can subscribe to global event
// channels.
const GlobalSwarmID = "global"

// Event is a domain fact broadcast to the swarm. Events are immutable
// once published.
type Event struct {
	ID            string                 `msgpack:"id"`
	Type          string                 `msgpack:"type"`
	Data          map[string]interface{} `msgpack:"data,omitempty"`
	SourceAgentID string                 `msgpack:"source_agent_id"`
	SwarmID       string                 `msgpack:"swarm_id"`
	IsGlobal      bool                   `msgpack:"is_global,omitempty"`
	Timestamp     time.Time              `msgpack:"timestamp"`
}

// NewEvent creates an event with a generated ID and timestamp.
func NewEvent(eventType string, data map[string]interface{}, sourceAgentID, swarmID string, isGlobal bool) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Data:          data,
		SourceAgentID: sourceAgentID,
		SwarmID:       swarmID,
		IsGlobal:      isGlobal,
		Timestamp:     time.Now().UTC(),
	}
}

// Channel returns the bus channel an event type is carried on.
func Channel(swarmID, eventType string) string {
	return "swarm:" + swarmID + ":events:" + eventType
}

// Encode serializes the event for transport.
func (e *Event) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Malformed("encode event", errors.WithCause(err))
	}
	return data, nil
}

// DecodeEvent deserializes an event from wire bytes.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, errors.Malformed("decode event", errors.WithCause(err))
	}
	if e.ID == "" || e.Type == "" {
		return nil, errors.Malformed("decode event: missing id or type")
	}
	return &e, nil
}
