package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/errors"
	"github.com/vinayprograms/swarmkit/logging"
	"github.com/vinayprograms/swarmkit/store"
)

// Handler processes one event. Handlers run on the event bus dispatch
// goroutine and must not block.
type Handler func(*Event)

// Health is the result of an event bus health check.
type Health struct {
	Status          bus.Status
	Bus             *bus.Health
	StoreReachable  bool
	Subscriptions   int
	PersistFailures uint64
}

// Config configures an EventBus.
type Config struct {
	// Bus is the underlying message bus client. Required. The event bus
	// owns the bus's Listen stream; do not share the client with other
	// consumers.
	Bus bus.MessageBus

	// Store persists events for replay. Optional; without a store the
	// bus still delivers live events and persist requests are dropped
	// with a warning.
	Store store.EventStore

	// SwarmID scopes event channels.
	SwarmID string

	// Logger defaults to a discard logger.
	Logger *logging.Logger
}

// EventBus delivers typed events over the message bus and optionally
// persists them for replay.
type EventBus struct {
	bus     bus.MessageBus
	store   store.EventStore
	swarmID string
	log     *logging.Logger

	mu       sync.Mutex
	handlers map[string]map[string]Handler // type -> subscriberID -> handler

	persistFailures atomic.Uint64
	persistWG       sync.WaitGroup
	done            chan struct{}
	closed          atomic.Bool
}

// New creates an event bus and starts its dispatch loop.
func New(cfg Config) (*EventBus, error) {
	if cfg.Bus == nil {
		return nil, errors.InvalidInput("event bus requires a message bus")
	}
	if cfg.SwarmID == "" {
		return nil, errors.InvalidInput("event bus requires a swarm ID")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	eb := &EventBus{
		bus:      cfg.Bus,
		store:    cfg.Store,
		swarmID:  cfg.SwarmID,
		log:      log.WithComponent("events").WithSwarm(cfg.SwarmID),
		handlers: make(map[string]map[string]Handler),
		done:     make(chan struct{}),
	}
	go eb.dispatchLoop()
	return eb, nil
}

// dispatchLoop fans envelopes out to registered handlers by event type.
func (eb *EventBus) dispatchLoop() {
	for {
		select {
		case env, ok := <-eb.bus.Listen():
			if !ok {
				return
			}
			eb.dispatch(env)
		case <-eb.done:
			return
		}
	}
}

func (eb *EventBus) dispatch(env *bus.Envelope) {
	event, err := DecodeEvent(env.Payload)
	if err != nil {
		eb.log.Warn("dropped undecodable event", logging.Fields{
			"channel": env.Channel,
			"error":   err.Error(),
		})
		return
	}

	eb.mu.Lock()
	subs := eb.handlers[event.Type]
	hs := make([]Handler, 0, len(subs))
	for _, h := range subs {
		hs = append(hs, h)
	}
	eb.mu.Unlock()

	for _, h := range hs {
		h(event)
	}
}

// PublishEvent constructs and publishes an event, returning its ID.
// When persist is set and a store is configured, the event is stored in
// the background; storage failures are logged and counted but never
// fail the publish.
func (eb *EventBus) PublishEvent(eventType string, data map[string]interface{}, sourceAgentID string, isGlobal, persist bool) (string, error) {
	if eb.closed.Load() {
		return "", bus.ErrClosed
	}
	if eventType == "" {
		return "", errors.InvalidInput("event type is required")
	}

	swarmID := eb.swarmID
	if isGlobal {
		swarmID = GlobalSwarmID
	}
	event := NewEvent(eventType, data, sourceAgentID, swarmID, isGlobal)

	payload, err := event.Encode()
	if err != nil {
		return "", err
	}

	if _, err := eb.bus.Publish(Channel(swarmID, eventType), payload, bus.PublishOptions{Persist: persist}); err != nil {
		return "", err
	}

	if persist {
		eb.persistAsync(event)
	}
	return event.ID, nil
}

// persistAsync stores an event in the background, fire-and-forget.
func (eb *EventBus) persistAsync(event *Event) {
	if eb.store == nil {
		eb.persistFailures.Add(1)
		eb.log.Warn("persist requested but no store configured", logging.Fields{
			"event_id": event.ID,
			"type":     event.Type,
		})
		return
	}

	eb.persistWG.Add(1)
	go func() {
		defer eb.persistWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rec, err := toRecord(event)
		if err == nil {
			err = eb.store.AppendEvent(ctx, rec)
		}
		if err != nil {
			eb.persistFailures.Add(1)
			eb.log.Error("event persist failed", logging.Fields{
				"event_id": event.ID,
				"type":     event.Type,
				"error":    err.Error(),
			})
		}
	}()
}

func toRecord(event *Event) (store.EventRecord, error) {
	data, err := msgpack.Marshal(event.Data)
	if err != nil {
		return store.EventRecord{}, errors.Malformed("encode event data", errors.WithCause(err))
	}
	return store.EventRecord{
		ID:            event.ID,
		Type:          event.Type,
		Data:          data,
		SourceAgentID: event.SourceAgentID,
		SwarmID:       event.SwarmID,
		IsGlobal:      event.IsGlobal,
		Timestamp:     event.Timestamp,
	}, nil
}

func fromRecord(rec *store.EventRecord) (*Event, error) {
	event := &Event{
		ID:            rec.ID,
		Type:          rec.Type,
		SourceAgentID: rec.SourceAgentID,
		SwarmID:       rec.SwarmID,
		IsGlobal:      rec.IsGlobal,
		Timestamp:     rec.Timestamp,
	}
	if len(rec.Data) > 0 {
		if err := msgpack.Unmarshal(rec.Data, &event.Data); err != nil {
			return nil, errors.Malformed("decode event data", errors.WithCause(err))
		}
	}
	return event, nil
}

// Subscribe registers a handler for an event type. Multiple subscribers
// per type are supported; the first subscriber for a type opens the
// underlying channel subscription.
func (eb *EventBus) Subscribe(eventType, subscriberID string, handler Handler) error {
	if eb.closed.Load() {
		return bus.ErrClosed
	}
	if eventType == "" || subscriberID == "" {
		return errors.InvalidInput("event type and subscriber ID are required")
	}
	if handler == nil {
		return errors.InvalidInput("handler is required")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, ok := eb.handlers[eventType]
	if !ok {
		// Global events for this type arrive on their own channel.
		if err := eb.bus.Subscribe(Channel(eb.swarmID, eventType)); err != nil {
			return err
		}
		if err := eb.bus.Subscribe(Channel(GlobalSwarmID, eventType)); err != nil {
			return err
		}
		subs = make(map[string]Handler)
		eb.handlers[eventType] = subs
	}
	subs[subscriberID] = handler
	return nil
}

// Unsubscribe removes a subscriber's handler. Removing the last handler
// for a type releases the underlying channel subscription.
func (eb *EventBus) Unsubscribe(eventType, subscriberID string) error {
	if eb.closed.Load() {
		return bus.ErrClosed
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, ok := eb.handlers[eventType]
	if !ok {
		return nil
	}
	delete(subs, subscriberID)
	if len(subs) > 0 {
		return nil
	}
	delete(eb.handlers, eventType)
	if err := eb.bus.Unsubscribe(Channel(eb.swarmID, eventType)); err != nil {
		return err
	}
	return eb.bus.Unsubscribe(Channel(GlobalSwarmID, eventType))
}

// Replay reads persisted history matching the filter in ascending
// timestamp order and invokes the given handlers synchronously per
// event. When no handlers are given, each event goes to the handlers
// currently registered for its type. Replay never re-publishes on the
// bus, so live subscribers on other agents are not re-triggered.
// Returns the number of events replayed.
func (eb *EventBus) Replay(ctx context.Context, filter store.EventFilter, handlers ...Handler) (int, error) {
	if eb.closed.Load() {
		return 0, bus.ErrClosed
	}
	if eb.store == nil {
		return 0, errors.Unavailable("no event store configured")
	}

	records, err := eb.store.QueryEvents(ctx, filter)
	if err != nil {
		return 0, errors.Wrap(err, "replay query")
	}

	n := 0
	for i := range records {
		event, err := fromRecord(&records[i])
		if err != nil {
			eb.log.Warn("skipped undecodable stored event", logging.Fields{
				"event_id": records[i].ID,
				"error":    err.Error(),
			})
			continue
		}

		hs := handlers
		if len(hs) == 0 {
			eb.mu.Lock()
			for _, h := range eb.handlers[event.Type] {
				hs = append(hs, h)
			}
			eb.mu.Unlock()
		}
		for _, h := range hs {
			h(event)
		}
		n++
	}
	return n, nil
}

// PersistFailures returns the count of background persist failures.
func (eb *EventBus) PersistFailures() uint64 {
	return eb.persistFailures.Load()
}

// HealthCheck aggregates bus health, store reachability, and
// subscription counts.
func (eb *EventBus) HealthCheck(ctx context.Context) (*Health, error) {
	if eb.closed.Load() {
		return nil, bus.ErrClosed
	}

	busHealth, err := eb.bus.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}

	eb.mu.Lock()
	subs := 0
	for _, m := range eb.handlers {
		subs += len(m)
	}
	eb.mu.Unlock()

	h := &Health{
		Status:          busHealth.Status,
		Bus:             busHealth,
		Subscriptions:   subs,
		PersistFailures: eb.persistFailures.Load(),
	}

	if eb.store != nil {
		h.StoreReachable = true
		if pinger, ok := eb.store.(interface{ Ping(context.Context) error }); ok {
			if err := pinger.Ping(ctx); err != nil {
				h.StoreReachable = false
				if h.Status == bus.StatusHealthy {
					h.Status = bus.StatusDegraded
				}
			}
		}
	}
	return h, nil
}

// Close stops dispatch and waits for in-flight persists. The underlying
// message bus is owned by the caller and is not closed.
func (eb *EventBus) Close() error {
	if eb.closed.Swap(true) {
		return nil
	}
	close(eb.done)
	eb.persistWG.Wait()

	eb.mu.Lock()
	eb.handlers = make(map[string]map[string]Handler)
	eb.mu.Unlock()
	return nil
}
