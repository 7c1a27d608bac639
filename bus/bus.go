package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrUnavailable    = errors.New("bus unavailable")
	ErrTimeout        = errors.New("health check timeout")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrInvalidPattern = errors.New("invalid pattern")
)

// DeliveredUnknown is returned as the delivered count when the broker cannot
// report how many subscribers received a publish (NATS fan-out is
// server-side).
const DeliveredUnknown = -1

// Status reports bus health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health is the result of a bus health check.
type Health struct {
	Status             Status
	SubscribedChannels int
	LastError          string
}

// PublishOptions control how a publish is carried.
type PublishOptions struct {
	// Persist marks the envelope for durable storage by layers that
	// persist history (the event bus). The bus itself carries the flag
	// in envelope metadata and does not store anything.
	Persist bool

	// TTL is an advisory expiry for the envelope. Zero means no expiry.
	TTL time.Duration
}

// MessageBus is a per-agent client over a shared broker connection.
type MessageBus interface {
	// Subscribe starts delivery for an exact channel name. Subscribing
	// twice to the same channel is a no-op.
	Subscribe(channel string) error

	// Unsubscribe stops delivery for a channel. Unsubscribing from a
	// channel that was never subscribed is a no-op.
	Unsubscribe(channel string) error

	// PatternSubscribe starts delivery for all channels matching a glob
	// pattern, where * matches exactly one colon-separated segment.
	// Idempotent like Subscribe.
	PatternSubscribe(pattern string) error

	// PatternUnsubscribe stops delivery for a pattern.
	PatternUnsubscribe(pattern string) error

	// Publish wraps payload in an Envelope and hands it to the broker.
	// Returns the number of local deliveries, or DeliveredUnknown when
	// the broker cannot report it. Never blocks on subscriber processing.
	Publish(channel string, payload []byte, opts PublishOptions) (int, error)

	// Listen returns the single delivery stream for all subscriptions.
	// The channel is closed when the bus closes. Consumers must not
	// block the stream; hand work off asynchronously.
	Listen() <-chan *Envelope

	// HealthCheck performs a round-trip publish/subscribe self-test.
	HealthCheck(ctx context.Context) (*Health, error)

	// Close cancels the read loop, awaits its completion, and releases
	// the broker connection.
	Close() error
}

// ValidateChannel checks if a channel name is valid.
func ValidateChannel(channel string) error {
	if channel == "" {
		return ErrInvalidChannel
	}
	if strings.ContainsAny(channel, " \t\n") {
		return ErrInvalidChannel
	}
	if strings.ContainsAny(channel, "*>") {
		return ErrInvalidChannel
	}
	return nil
}

// ValidatePattern checks if a glob pattern is valid.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	if strings.ContainsAny(pattern, " \t\n") {
		return ErrInvalidPattern
	}
	return nil
}

// MatchPattern reports whether a channel matches a glob pattern. Patterns
// are colon-separated like channels; * matches exactly one segment, and a
// trailing * also matches any remaining segments.
func MatchPattern(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	pseg := strings.Split(pattern, ":")
	cseg := strings.Split(channel, ":")

	for i, p := range pseg {
		if p == "*" && i == len(pseg)-1 {
			// Trailing wildcard swallows the rest.
			return len(cseg) >= len(pseg)
		}
		if i >= len(cseg) {
			return false
		}
		if p != "*" && p != cseg[i] {
			return false
		}
	}

	return len(pseg) == len(cseg)
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for the Listen channel.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}
