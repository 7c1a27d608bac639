package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestDefaultCategories(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeUnavailable, CategoryTransport},
		{ErrCodeTimeout, CategoryTransport},
		{ErrCodeMalformed, CategoryProtocol},
		{ErrCodeNotLeader, CategoryState},
		{ErrCodeVoteClosed, CategoryState},
		{ErrCodeVoteExpired, CategoryState},
		{ErrCodeStoreWrite, CategoryPersistence},
		{ErrCodeFatalState, CategoryPersistence},
		{ErrCodeInternal, CategoryInternal},
	}

	for _, tt := range tests {
		if got := tt.code.DefaultCategory(); got != tt.want {
			t.Errorf("%s: category = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestRetryableOnlyTransport(t *testing.T) {
	if !Unavailable("broker down").Retryable() {
		t.Error("transport errors should be retryable")
	}
	if NotLeader("n1").Retryable() {
		t.Error("state errors must never be retried automatically")
	}
	if FatalState("persist term", stderrors.New("disk full")).Retryable() {
		t.Error("fatal persistence errors must not be retryable")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := VoteClosed("v1", "closed")
	wrapped := Wrap(inner, "cast failed")

	if Code(wrapped) != ErrCodeVoteClosed {
		t.Errorf("code = %s, want %s", Code(wrapped), ErrCodeVoteClosed)
	}
	if !stderrors.Is(wrapped, inner) {
		t.Error("wrapped error should match inner via errors.Is")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIsFatal(t *testing.T) {
	err := FatalState("persist log", fmt.Errorf("io error"))
	if !IsFatal(err) {
		t.Error("FatalState should be fatal")
	}
	if IsFatal(StoreWrite("persist event", fmt.Errorf("io error"))) {
		t.Error("StoreWrite should not be fatal")
	}
}

func TestMetadata(t *testing.T) {
	err := InvalidOption("v1", "maybe")
	meta := err.Metadata()
	if meta["vote_id"] != "v1" {
		t.Errorf("vote_id = %q, want %q", meta["vote_id"], "v1")
	}

	// The returned map is a copy.
	meta["vote_id"] = "mutated"
	if err.Metadata()["vote_id"] != "v1" {
		t.Error("metadata should not be mutable from outside")
	}
}

func TestIsState(t *testing.T) {
	if !IsState(VoteExpired("v2")) {
		t.Error("VoteExpired should be a state error")
	}
	if IsState(Unavailable("down")) {
		t.Error("Unavailable should not be a state error")
	}
}
