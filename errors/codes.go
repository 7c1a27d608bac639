package errors

// ErrorCategory classifies errors by how callers should handle them.
type ErrorCategory string

const (
	// CategoryTransport indicates the broker is unreachable or an I/O
	// operation failed. Retried with backoff.
	CategoryTransport ErrorCategory = "transport"

	// CategoryProtocol indicates a malformed envelope or RPC payload.
	// Logged and dropped; never crashes a listener.
	CategoryProtocol ErrorCategory = "protocol"

	// CategoryState indicates the operation is invalid for the current
	// state. Returned to the caller, never retried automatically.
	CategoryState ErrorCategory = "state"

	// CategoryPersistence indicates a durable-store failure.
	CategoryPersistence ErrorCategory = "persistence"

	// CategoryInternal indicates unexpected errors and invariant violations.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransport
}

// ErrorCode identifies specific failure types within categories.
type ErrorCode string

const (
	// Transport errors
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"   // Broker unreachable
	ErrCodeTimeout      ErrorCode = "TIMEOUT"       // Operation timed out
	ErrCodePublishFail  ErrorCode = "PUBLISH_FAIL"  // Publish rejected by broker
	ErrCodeReconnecting ErrorCode = "RECONNECTING"  // Connection being re-established

	// Protocol errors
	ErrCodeMalformed   ErrorCode = "MALFORMED"    // Payload failed to decode
	ErrCodeUnknownKind ErrorCode = "UNKNOWN_KIND" // Unrecognized message kind

	// State errors
	ErrCodeNotLeader     ErrorCode = "NOT_LEADER"     // Propose called on a non-leader
	ErrCodeVoteClosed    ErrorCode = "VOTE_CLOSED"    // Cast or cancel on a non-open vote
	ErrCodeVoteExpired   ErrorCode = "VOTE_EXPIRED"   // Cast on an expired vote
	ErrCodeInvalidOption ErrorCode = "INVALID_OPTION" // Option not among the vote's options
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or invalid input
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Record does not exist
	ErrCodeNotMember     ErrorCode = "NOT_MEMBER"     // Agent not joined to the swarm
	ErrCodeClosed        ErrorCode = "CLOSED"         // Component already closed

	// Persistence errors
	ErrCodeStoreWrite ErrorCode = "STORE_WRITE" // Durable write failed
	ErrCodeStoreRead  ErrorCode = "STORE_READ"  // Durable read failed
	ErrCodeFatalState ErrorCode = "FATAL_STATE" // Consensus state could not be persisted

	// Internal errors
	ErrCodeInternal  ErrorCode = "INTERNAL"  // Unexpected internal error
	ErrCodeAssertion ErrorCode = "ASSERTION" // Invariant violation
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeUnavailable, ErrCodeTimeout, ErrCodePublishFail, ErrCodeReconnecting:
		return CategoryTransport
	case ErrCodeMalformed, ErrCodeUnknownKind:
		return CategoryProtocol
	case ErrCodeNotLeader, ErrCodeVoteClosed, ErrCodeVoteExpired, ErrCodeInvalidOption,
		ErrCodeInvalidInput, ErrCodeNotFound, ErrCodeNotMember, ErrCodeClosed:
		return CategoryState
	case ErrCodeStoreWrite, ErrCodeStoreRead, ErrCodeFatalState:
		return CategoryPersistence
	default:
		return CategoryInternal
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeUnavailable:   "broker unavailable",
	ErrCodeTimeout:       "operation timed out",
	ErrCodePublishFail:   "publish failed",
	ErrCodeReconnecting:  "reconnecting to broker",
	ErrCodeMalformed:     "malformed payload",
	ErrCodeUnknownKind:   "unknown message kind",
	ErrCodeNotLeader:     "node is not the leader",
	ErrCodeVoteClosed:    "vote is not open",
	ErrCodeVoteExpired:   "vote has expired",
	ErrCodeInvalidOption: "option not in vote options",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodeNotFound:      "record not found",
	ErrCodeNotMember:     "agent has not joined the swarm",
	ErrCodeClosed:        "component closed",
	ErrCodeStoreWrite:    "store write failed",
	ErrCodeStoreRead:     "store read failed",
	ErrCodeFatalState:    "consensus state persistence failed",
	ErrCodeInternal:      "internal error",
	ErrCodeAssertion:     "invariant violation",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
