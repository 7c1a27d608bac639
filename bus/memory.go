package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/swarmkit/logging"
)

// MemoryBroker is an in-process broker shared by MemoryBus clients.
// Useful for testing and single-process swarms.
type MemoryBroker struct {
	mu      sync.RWMutex
	clients []*MemoryBus
	closed  atomic.Bool
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Client creates a new bus client attached to this broker.
func (b *MemoryBroker) Client(cfg Config, log *logging.Logger) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if log == nil {
		log = logging.Discard()
	}

	c := &MemoryBus{
		broker:   b,
		config:   cfg,
		log:      log.WithComponent("bus"),
		subs:     make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		probes:   make(map[string]chan struct{}),
		out:      make(chan *Envelope, cfg.BufferSize),
	}

	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()

	return c
}

// publish delivers encoded envelope bytes to every attached client and
// returns the number of clients that accepted the delivery.
func (b *MemoryBroker) publish(channel string, data []byte) int {
	b.mu.RLock()
	clients := make([]*MemoryBus, len(b.clients))
	copy(clients, b.clients)
	b.mu.RUnlock()

	delivered := 0
	for _, c := range clients {
		if c.deliver(channel, data) {
			delivered++
		}
	}
	return delivered
}

// Inject delivers raw bytes to subscribers of a channel, bypassing envelope
// construction. Useful for testing malformed-payload handling.
func (b *MemoryBroker) Inject(channel string, data []byte) {
	b.publish(channel, data)
}

// Close shuts down the broker and all attached clients.
func (b *MemoryBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	clients := b.clients
	b.clients = nil
	b.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return nil
}

func (b *MemoryBroker) detach(target *MemoryBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.clients {
		if c == target {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			break
		}
	}
}

// MemoryBus implements MessageBus over a MemoryBroker.
type MemoryBus struct {
	broker *MemoryBroker
	config Config
	log    *logging.Logger

	mu       sync.RWMutex
	subs     map[string]struct{}
	patterns map[string]struct{}

	probeMu sync.Mutex
	probes  map[string]chan struct{}

	// outMu serializes sends on out against Close closing it; broker
	// fan-out runs outside the broker lock and may race a client Close.
	outMu  sync.Mutex
	out    chan *Envelope
	closed atomic.Bool

	dropped   atomic.Uint64
	malformed atomic.Uint64
	lastErr   atomic.Value // string
}

// Subscribe starts delivery for an exact channel name.
func (c *MemoryBus) Subscribe(channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	c.subs[channel] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe stops delivery for a channel.
func (c *MemoryBus) Unsubscribe(channel string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
	return nil
}

// PatternSubscribe starts delivery for channels matching a glob pattern.
func (c *MemoryBus) PatternSubscribe(pattern string) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	c.patterns[pattern] = struct{}{}
	c.mu.Unlock()
	return nil
}

// PatternUnsubscribe stops delivery for a pattern.
func (c *MemoryBus) PatternUnsubscribe(pattern string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	delete(c.patterns, pattern)
	c.mu.Unlock()
	return nil
}

// Publish wraps payload in an Envelope and fans it out via the broker.
func (c *MemoryBus) Publish(channel string, payload []byte, opts PublishOptions) (int, error) {
	if err := ValidateChannel(channel); err != nil {
		return 0, err
	}
	if c.closed.Load() || c.broker.closed.Load() {
		return 0, ErrClosed
	}

	env := NewEnvelope(channel, payload, opts)
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	return c.broker.publish(channel, data), nil
}

// Listen returns the delivery stream for all subscriptions.
func (c *MemoryBus) Listen() <-chan *Envelope {
	return c.out
}

// deliver decodes and routes one broker delivery. Returns true if the
// client accepted it.
func (c *MemoryBus) deliver(channel string, data []byte) bool {
	if c.closed.Load() {
		return false
	}

	// Probe channels service health checks and bypass the Listen stream.
	if c.completeProbe(channel) {
		return true
	}

	if !c.subscribedTo(channel) {
		return false
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		c.malformed.Add(1)
		c.lastErr.Store(err.Error())
		c.log.Warn("dropping malformed envelope", logging.Fields{"channel": channel, "error": err})
		return false
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.closed.Load() {
		return false
	}

	select {
	case c.out <- env:
		return true
	default:
		c.dropped.Add(1)
		c.log.Warn("listen buffer full, dropping envelope", logging.Fields{"channel": channel, "id": env.ID})
		return false
	}
}

func (c *MemoryBus) subscribedTo(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.subs[channel]; ok {
		return true
	}
	for p := range c.patterns {
		if MatchPattern(p, channel) {
			return true
		}
	}
	return false
}

func (c *MemoryBus) completeProbe(channel string) bool {
	c.probeMu.Lock()
	ch, ok := c.probes[channel]
	if ok {
		delete(c.probes, channel)
	}
	c.probeMu.Unlock()

	if ok {
		close(ch)
	}
	return ok
}

// HealthCheck performs a round-trip publish/subscribe self-test.
func (c *MemoryBus) HealthCheck(ctx context.Context) (*Health, error) {
	c.mu.RLock()
	count := len(c.subs) + len(c.patterns)
	c.mu.RUnlock()

	h := &Health{SubscribedChannels: count}
	if last, ok := c.lastErr.Load().(string); ok {
		h.LastError = last
	}

	if c.closed.Load() || c.broker.closed.Load() {
		h.Status = StatusUnhealthy
		return h, ErrClosed
	}

	probe := "_probe:" + randomProbeID()
	done := make(chan struct{})
	c.probeMu.Lock()
	c.probes[probe] = done
	c.probeMu.Unlock()

	c.broker.publish(probe, nil)

	select {
	case <-done:
		if c.malformed.Load() > 0 || c.dropped.Load() > 0 {
			h.Status = StatusDegraded
		} else {
			h.Status = StatusHealthy
		}
		return h, nil
	case <-ctx.Done():
		c.probeMu.Lock()
		delete(c.probes, probe)
		c.probeMu.Unlock()
		h.Status = StatusUnhealthy
		h.LastError = ErrTimeout.Error()
		return h, ErrTimeout
	}
}

// Dropped returns the number of envelopes dropped due to a full buffer.
func (c *MemoryBus) Dropped() uint64 {
	return c.dropped.Load()
}

// Malformed returns the number of undecodable envelopes dropped.
func (c *MemoryBus) Malformed() uint64 {
	return c.malformed.Load()
}

// Close detaches the client from the broker and closes the Listen stream.
func (c *MemoryBus) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.broker.detach(c)

	c.probeMu.Lock()
	for k, ch := range c.probes {
		close(ch)
		delete(c.probes, k)
	}
	c.probeMu.Unlock()

	c.outMu.Lock()
	close(c.out)
	c.outMu.Unlock()
	return nil
}
