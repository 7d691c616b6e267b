package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEquityUnavailable means a replication decision cannot be priced.
	ErrEquityUnavailable = errors.New("master equity unavailable")
	// ErrRemoteTimeout means the execution gateway outcome is unknown.
	ErrRemoteTimeout = errors.New("execution gateway timeout")
	// ErrLedgerConflict means a transaction lost a lock or serialization race.
	ErrLedgerConflict = errors.New("ledger conflict")
	// ErrCacheDegraded means a cache read or write failed; ledger truth still applies.
	ErrCacheDegraded = errors.New("cache degraded")
	// ErrDuplicateKey is a uniqueness violation in the ledger store.
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("not found")
	// ErrAlreadySettled means a performance fee was already recorded for the order.
	ErrAlreadySettled = errors.New("performance fee already settled")
	// ErrInsufficientBalance is returned when a debit would overdraw a wallet.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAlreadyReplicated means the follower already holds a copy of the master order.
	ErrAlreadyReplicated = errors.New("master order already replicated to follower")
	// ErrOrderTerminal means the order already reached a terminal state.
	ErrOrderTerminal = errors.New("order already in terminal state")
)

// ValidationError is a business-rule rejection. Reason is persisted as the
// follower order's failure_reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// FailureReason extracts the audit string for err.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}

// IsRetryable reports whether the caller may retry the operation with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerConflict)
}
