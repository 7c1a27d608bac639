package state

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store with in-process storage.
// It is the default backend for tests and single-process swarms.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*memEntry
	watchers []*memWatcher
	revision uint64
	closed   atomic.Bool

	janitor *time.Ticker
	done    chan struct{}
}

type memEntry struct {
	value    []byte
	revision uint64
	modified time.Time
	expires  time.Time // zero means no expiry
}

type memWatcher struct {
	pattern string
	ch      chan *Entry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:    make(map[string]*memEntry),
		janitor: time.NewTicker(time.Second),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.janitor.C:
			s.sweepExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.data, key)
			s.notify(key, nil, OpDelete)
		}
	}
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	e, err := s.GetEntry(key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// GetEntry retrieves the full Entry with metadata.
func (s *MemoryStore) GetEntry(key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		return nil, ErrNotFound
	}

	val := make([]byte, len(e.value))
	copy(val, e.value)
	return &Entry{
		Key:       key,
		Value:     val,
		Revision:  e.revision,
		Operation: OpPut,
		Modified:  e.modified,
	}, nil
}

// Put stores a value with an optional TTL.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.revision++

	val := make([]byte, len(value))
	copy(val, value)

	e := &memEntry{
		value:    val,
		revision: s.revision,
		modified: now,
	}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.data[key] = e
	s.notify(key, e, OpPut)
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	s.notify(key, nil, OpDelete)
	return nil
}

// Keys returns all keys matching a pattern.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch streams changes to keys matching a pattern.
func (s *MemoryStore) Watch(pattern string) (<-chan *Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	w := &memWatcher{
		pattern: pattern,
		ch:      make(chan *Entry, 64),
	}

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	return w.ch, nil
}

// notify pushes an update to matching watchers. Caller holds s.mu.
func (s *MemoryStore) notify(key string, e *memEntry, op Operation) {
	for _, w := range s.watchers {
		if !MatchPattern(w.pattern, key) {
			continue
		}
		update := &Entry{Key: key, Operation: op, Modified: time.Now()}
		if e != nil {
			update.Value = e.value
			update.Revision = e.revision
			update.Modified = e.modified
		}
		select {
		case w.ch <- update:
		default:
			// Watcher not keeping up; drop the update.
		}
	}
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.janitor.Stop()
	close(s.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		close(w.ch)
	}
	s.watchers = nil
	s.data = nil
	return nil
}
