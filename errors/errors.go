package errors

import (
	"fmt"
	"time"
)

// Error is a structured coordination error with a code and category.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	timestamp time.Time
	agentID   string
	swarmID   string
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether the operation may succeed on retry.
func (e *Error) Retryable() bool {
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// AgentID returns the source agent ID, if set.
func (e *Error) AgentID() string {
	return e.agentID
}

// SwarmID returns the related swarm ID, if set.
func (e *Error) SwarmID() string {
	return e.swarmID
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAgentID sets the source agent ID.
func WithAgentID(id string) Option {
	return func(e *Error) {
		e.agentID = id
	}
}

// WithSwarmID sets the related swarm ID.
func WithSwarmID(id string) Option {
	return func(e *Error) {
		e.swarmID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Unavailable creates a broker-unavailable error.
func Unavailable(message string, opts ...Option) *Error {
	return New(ErrCodeUnavailable, message, opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Malformed creates a protocol error for an undecodable payload.
func Malformed(message string, opts ...Option) *Error {
	return New(ErrCodeMalformed, message, opts...)
}

// NotLeader creates a state error for a proposal on a non-leader node.
func NotLeader(nodeID string, opts ...Option) *Error {
	return New(ErrCodeNotLeader, fmt.Sprintf("node %s is not the leader", nodeID), opts...)
}

// VoteClosed creates a state error for an operation on a non-open vote.
func VoteClosed(voteID, status string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("vote_id", voteID), WithMetadata("status", status)}, opts...)
	return New(ErrCodeVoteClosed, fmt.Sprintf("vote %s is %s", voteID, status), opts...)
}

// VoteExpired creates a state error for a cast on an expired vote.
func VoteExpired(voteID string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("vote_id", voteID)}, opts...)
	return New(ErrCodeVoteExpired, fmt.Sprintf("vote %s has expired", voteID), opts...)
}

// InvalidOption creates a state error for an option not in the vote's options.
func InvalidOption(voteID, option string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("vote_id", voteID)}, opts...)
	return New(ErrCodeInvalidOption, fmt.Sprintf("option %q is not valid for vote %s", option, voteID), opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// StoreWrite creates a non-fatal persistence error.
func StoreWrite(message string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithCause(cause)}, opts...)
	return New(ErrCodeStoreWrite, message, opts...)
}

// FatalState creates a fatal persistence error for consensus state. The
// receiving node must halt rather than proceed with unpersisted term or log
// state.
func FatalState(message string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithCause(cause)}, opts...)
	return New(ErrCodeFatalState, message, opts...)
}
