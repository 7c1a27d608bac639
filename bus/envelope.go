package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Metadata keys set by the bus from PublishOptions.
const (
	MetaPersist = "persist"
	MetaTTL     = "ttl"
)

// Envelope is the unit of transport on the message bus. It is created by
// the publisher and read-only downstream.
type Envelope struct {
	ID        string            `msgpack:"id"`
	Channel   string            `msgpack:"channel"`
	Timestamp time.Time         `msgpack:"timestamp"`
	Payload   []byte            `msgpack:"payload"`
	Metadata  map[string]string `msgpack:"metadata,omitempty"`
}

// NewEnvelope creates an envelope with a generated ID and timestamp.
func NewEnvelope(channel string, payload []byte, opts PublishOptions) *Envelope {
	env := &Envelope{
		ID:        uuid.NewString(),
		Channel:   channel,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if opts.Persist || opts.TTL > 0 {
		env.Metadata = make(map[string]string, 2)
		if opts.Persist {
			env.Metadata[MetaPersist] = "1"
		}
		if opts.TTL > 0 {
			env.Metadata[MetaTTL] = opts.TTL.String()
		}
	}

	return env
}

// Persist reports whether the publisher requested durable storage.
func (e *Envelope) Persist() bool {
	return e.Metadata[MetaPersist] == "1"
}

// Expired reports whether the envelope's advisory TTL has passed.
func (e *Envelope) Expired(now time.Time) bool {
	raw, ok := e.Metadata[MetaTTL]
	if !ok {
		return false
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return false
	}
	return now.After(e.Timestamp.Add(ttl))
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

// randomProbeID generates a unique suffix for health-check probe channels.
func randomProbeID() string {
	return uuid.NewString()
}

// DecodeEnvelope deserializes an envelope from the wire.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.ID == "" || env.Channel == "" {
		return nil, ErrInvalidChannel
	}
	return &env, nil
}
