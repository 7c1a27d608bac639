package state

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
	ErrInvalidTTL = errors.New("invalid TTL")
)

// Operation is the type of change carried by a watch update.
type Operation int

const (
	// OpPut indicates a key was created or updated.
	OpPut Operation = iota
	// OpDelete indicates a key was deleted or expired.
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is a stored value with its metadata.
type Entry struct {
	// Key is the entry key.
	Key string

	// Value is the stored bytes.
	Value []byte

	// Revision is a monotonic version number.
	Revision uint64

	// Operation indicates the type of change (meaningful on watch updates).
	Operation Operation

	// Modified is when the key was last written.
	Modified time.Time
}

// Store is shared key-value storage for swarm components.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// GetEntry retrieves the full Entry with metadata.
	// Returns ErrNotFound if the key does not exist.
	GetEntry(key string) (*Entry, error)

	// Put stores a value. If ttl is greater than zero the key expires
	// after that duration; zero means the key never expires.
	Put(key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys matching a pattern.
	// Pattern supports a trailing * wildcard (e.g. "presence.*").
	Keys(pattern string) ([]string, error)

	// Watch streams changes to keys matching a pattern. The channel is
	// closed when the store closes.
	Watch(pattern string) (<-chan *Entry, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks if a key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, " ") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	if len(key) > 1024 {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks if a TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern reports whether a key matches a pattern.
// Supports a trailing * wildcard (e.g. "presence.*" matches "presence.agent-1").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}
