package state

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures a NATSStore.
type NATSConfig struct {
	// Conn is an existing NATS connection to use. If nil, a new
	// connection is made to URL. Sharing the bus connection is the
	// common case so a swarm node holds one socket to the broker.
	Conn *nats.Conn

	// URL is the NATS server URL, used only when Conn is nil.
	URL string

	// Bucket is the JetStream KV bucket name. Defaults to "swarm-state".
	Bucket string

	// BucketTTL, when set, expires every key in the bucket after this
	// duration since its last write. JetStream KV has no per-key TTL,
	// so presence-style keys rely on this plus periodic refresh.
	BucketTTL time.Duration
}

// NATSStore implements Store backed by a JetStream key-value bucket.
type NATSStore struct {
	conn    *nats.Conn
	ownConn bool
	kv      jetstream.KeyValue
	closed  atomic.Bool
}

// NewNATSStore creates a store backed by JetStream KV, creating the
// bucket if it does not exist.
func NewNATSStore(cfg NATSConfig) (*NATSStore, error) {
	conn := cfg.Conn
	ownConn := false
	if conn == nil {
		if cfg.URL == "" {
			cfg.URL = nats.DefaultURL
		}
		c, err := nats.Connect(cfg.URL, nats.Name("swarmkit-state"))
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		conn = c
		ownConn = true
	}

	js, err := jetstream.New(conn)
	if err != nil {
		if ownConn {
			conn.Close()
		}
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "swarm-state"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    cfg.BucketTTL,
	})
	if err != nil {
		if ownConn {
			conn.Close()
		}
		return nil, fmt.Errorf("kv bucket: %w", err)
	}

	return &NATSStore{conn: conn, ownConn: ownConn, kv: kv}, nil
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	entry, err := s.getEntry(key)
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

// GetEntry retrieves the full Entry with metadata.
func (s *NATSStore) GetEntry(key string) (*Entry, error) {
	entry, err := s.getEntry(key)
	if err != nil {
		return nil, err
	}
	return entryFromKV(entry), nil
}

func (s *NATSStore) getEntry(key string) (jetstream.KeyValueEntry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return entry, nil
}

func entryFromKV(e jetstream.KeyValueEntry) *Entry {
	op := OpPut
	switch e.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		op = OpDelete
	}
	return &Entry{
		Key:       e.Key(),
		Value:     e.Value(),
		Revision:  e.Revision(),
		Operation: op,
		Modified:  e.Created(),
	}
}

// Put stores a value. Per-key TTL is not supported by JetStream KV;
// ttl is validated but expiry comes from the bucket TTL.
func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && err != jetstream.ErrKeyNotFound {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// natsPattern converts a trailing-* pattern to a NATS subject filter.
func natsPattern(pattern string) string {
	if pattern == "*" {
		return ">"
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return pattern
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx, jetstream.MetaOnly())
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch streams changes to keys matching a pattern.
func (s *NATSStore) Watch(pattern string) (<-chan *Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	np := natsPattern(pattern)

	var watcher jetstream.KeyWatcher
	var err error
	if np == ">" {
		watcher, err = s.kv.WatchAll(context.Background())
	} else {
		watcher, err = s.kv.Watch(context.Background(), np)
	}
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *Entry, 64)
	go s.watchLoop(watcher, ch, pattern)
	return ch, nil
}

func (s *NATSStore) watchLoop(watcher jetstream.KeyWatcher, ch chan *Entry, pattern string) {
	defer close(ch)
	defer watcher.Stop()

	for entry := range watcher.Updates() {
		if s.closed.Load() {
			return
		}
		if entry == nil {
			// Initial sync complete marker.
			continue
		}
		if !MatchPattern(pattern, entry.Key()) {
			continue
		}
		select {
		case ch <- entryFromKV(entry):
		default:
			// Watcher not keeping up; drop the update.
		}
	}
}

// Close shuts down the store. The NATS connection is closed only if
// the store opened it itself.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownConn && s.conn != nil {
		s.conn.Close()
	}
	return nil
}
