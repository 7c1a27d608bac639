package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/swarmkit/logging"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	log    *logging.Logger

	mu       sync.Mutex
	subs     map[string]*nats.Subscription // channel -> sub
	patterns map[string]*nats.Subscription // pattern -> sub

	out    chan *Envelope
	closed atomic.Bool

	// unavailable is set when reconnect attempts are exhausted. It is
	// terminal; a new bus must be constructed to recover.
	unavailable  atomic.Bool
	reconnecting atomic.Bool

	dropped   atomic.Uint64
	malformed atomic.Uint64
	lastErr   atomic.Value // string
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectBase is the backoff base delay; attempt N waits
	// ReconnectBase * 2^N, capped at ReconnectMax.
	ReconnectBase time.Duration

	// ReconnectMax caps the per-attempt backoff delay.
	ReconnectMax time.Duration

	// MaxReconnects is the maximum number of reconnection attempts
	// before the bus becomes terminally unavailable.
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectBase:  500 * time.Millisecond,
		ReconnectMax:   30 * time.Second,
		MaxReconnects:  10,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus creates a new NATS message bus client.
func NewNATSBus(cfg NATSConfig, log *logging.Logger) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultNATSConfig().ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultNATSConfig().ReconnectMax
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = DefaultNATSConfig().MaxReconnects
	}
	if log == nil {
		log = logging.Discard()
	}

	b := &NATSBus{
		config:   cfg,
		log:      log.WithComponent("bus"),
		subs:     make(map[string]*nats.Subscription),
		patterns: make(map[string]*nats.Subscription),
		out:      make(chan *Envelope, cfg.BufferSize),
	}

	conn, err := nats.Connect(cfg.URL, b.buildOptions()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.conn = conn

	return b, nil
}

// buildOptions constructs NATS connection options from config.
func (b *NATSBus) buildOptions() []nats.Option {
	cfg := b.config
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.CustomReconnectDelay(func(attempt int) time.Duration {
			d := cfg.ReconnectBase << uint(attempt)
			if d > cfg.ReconnectMax || d <= 0 {
				d = cfg.ReconnectMax
			}
			return d
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.reconnecting.Store(true)
			if err != nil {
				b.lastErr.Store(err.Error())
			}
			b.log.Warn("broker connection lost, reconnecting", logging.Fields{"error": err})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.reconnecting.Store(false)
			b.log.Info("broker reconnected", logging.Fields{"url": nc.ConnectedUrl()})
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if b.closed.Load() {
				return
			}
			b.unavailable.Store(true)
			if err := nc.LastError(); err != nil {
				b.lastErr.Store(err.Error())
			}
			b.log.Error("reconnect attempts exhausted, bus unavailable")
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// subjectFor maps a channel name to a NATS subject. Channel segments are
// colon-separated for interop; NATS tokenizes on dots.
func subjectFor(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// subjectForPattern maps a glob pattern to a NATS wildcard subject. A
// trailing * becomes > so it swallows remaining segments, matching
// MatchPattern semantics.
func subjectForPattern(pattern string) string {
	subject := strings.ReplaceAll(pattern, ":", ".")
	if strings.HasSuffix(subject, ".*") {
		subject = strings.TrimSuffix(subject, ".*") + ".>"
	}
	return subject
}

func (b *NATSBus) checkUsable() error {
	if b.closed.Load() {
		return ErrClosed
	}
	if b.unavailable.Load() {
		return ErrUnavailable
	}
	return nil
}

// Subscribe starts delivery for an exact channel name.
func (b *NATSBus) Subscribe(channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if err := b.checkUsable(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; ok {
		return nil
	}

	sub, err := b.conn.Subscribe(subjectFor(channel), b.handleMsg)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.subs[channel] = sub
	return nil
}

// Unsubscribe stops delivery for a channel.
func (b *NATSBus) Unsubscribe(channel string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	return sub.Unsubscribe()
}

// PatternSubscribe starts delivery for channels matching a glob pattern.
func (b *NATSBus) PatternSubscribe(pattern string) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if err := b.checkUsable(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.patterns[pattern]; ok {
		return nil
	}

	sub, err := b.conn.Subscribe(subjectForPattern(pattern), b.handleMsg)
	if err != nil {
		return fmt.Errorf("nats pattern subscribe: %w", err)
	}
	b.patterns[pattern] = sub
	return nil
}

// PatternUnsubscribe stops delivery for a pattern.
func (b *NATSBus) PatternUnsubscribe(pattern string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.patterns[pattern]
	if !ok {
		return nil
	}
	delete(b.patterns, pattern)
	return sub.Unsubscribe()
}

// handleMsg decodes one inbound message and hands it to the Listen stream
// without blocking the NATS callback.
func (b *NATSBus) handleMsg(m *nats.Msg) {
	if b.closed.Load() {
		return
	}

	env, err := DecodeEnvelope(m.Data)
	if err != nil {
		b.malformed.Add(1)
		b.lastErr.Store(err.Error())
		b.log.Warn("dropping malformed envelope", logging.Fields{"subject": m.Subject, "error": err})
		return
	}

	select {
	case b.out <- env:
	default:
		b.dropped.Add(1)
		b.log.Warn("listen buffer full, dropping envelope", logging.Fields{"channel": env.Channel, "id": env.ID})
	}
}

// Publish wraps payload in an Envelope and hands it to the broker.
// The delivered count is DeliveredUnknown: NATS fans out server-side.
func (b *NATSBus) Publish(channel string, payload []byte, opts PublishOptions) (int, error) {
	if err := ValidateChannel(channel); err != nil {
		return 0, err
	}
	if err := b.checkUsable(); err != nil {
		return 0, err
	}

	env := NewEnvelope(channel, payload, opts)
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	if err := b.conn.Publish(subjectFor(channel), data); err != nil {
		b.lastErr.Store(err.Error())
		return 0, fmt.Errorf("nats publish: %w", err)
	}

	return DeliveredUnknown, nil
}

// Listen returns the delivery stream for all subscriptions.
func (b *NATSBus) Listen() <-chan *Envelope {
	return b.out
}

// HealthCheck performs a round-trip publish/subscribe self-test.
func (b *NATSBus) HealthCheck(ctx context.Context) (*Health, error) {
	b.mu.Lock()
	count := len(b.subs) + len(b.patterns)
	b.mu.Unlock()

	h := &Health{SubscribedChannels: count}
	if last, ok := b.lastErr.Load().(string); ok {
		h.LastError = last
	}

	if err := b.checkUsable(); err != nil {
		h.Status = StatusUnhealthy
		return h, err
	}

	probe := "_probe." + randomProbeID()
	done := make(chan struct{}, 1)
	sub, err := b.conn.Subscribe(probe, func(*nats.Msg) {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	if err != nil {
		h.Status = StatusUnhealthy
		h.LastError = err.Error()
		return h, err
	}
	defer sub.Unsubscribe()

	if err := b.conn.Publish(probe, nil); err != nil {
		h.Status = StatusUnhealthy
		h.LastError = err.Error()
		return h, err
	}

	select {
	case <-done:
		if b.reconnecting.Load() || b.malformed.Load() > 0 || b.dropped.Load() > 0 {
			h.Status = StatusDegraded
		} else {
			h.Status = StatusHealthy
		}
		return h, nil
	case <-ctx.Done():
		h.Status = StatusUnhealthy
		h.LastError = ErrTimeout.Error()
		return h, ErrTimeout
	}
}

// Dropped returns the number of envelopes dropped due to a full buffer.
func (b *NATSBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Malformed returns the number of undecodable envelopes dropped.
func (b *NATSBus) Malformed() uint64 {
	return b.malformed.Load()
}

// Conn returns the underlying NATS connection for advanced use (the
// JetStream-backed state store shares it).
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// Close drains subscriptions and releases the connection.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	for ch, sub := range b.subs {
		sub.Unsubscribe()
		delete(b.subs, ch)
	}
	for p, sub := range b.patterns {
		sub.Unsubscribe()
		delete(b.patterns, p)
	}
	b.mu.Unlock()

	b.conn.Close()
	close(b.out)
	return nil
}
