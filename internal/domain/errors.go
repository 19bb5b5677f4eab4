package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyExists       = errors.New("entity already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidExecContext  = errors.New("invalid execution context")
	ErrConnectionNotFound  = errors.New("sync connection not registered")
	ErrConnectionClosed    = errors.New("sync connection closed")
	ErrOperationTerminal   = errors.New("sync operation already terminal")
	ErrJobNotCancellable   = errors.New("job is not pending or active")
	ErrRealtimeUnsupported = errors.New("connection does not support realtime")
	ErrLockNotAcquired     = errors.New("could not acquire connection lock")
)

// TransientError marks a failure worth retrying at the job level
// (network hiccups, remote timeouts, pool exhaustion).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a bad request or bad config. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// AuthorizationError is surfaced to the caller before any job is enqueued
// and is never retried.
type AuthorizationError struct {
	Op  string
	Err error
}

func (e *AuthorizationError) Error() string { return fmt.Sprintf("%s: unauthorized: %v", e.Op, e.Err) }
func (e *AuthorizationError) Unwrap() error { return e.Err }

// ConflictError is not a failure; the sync path routes it to the
// operation's conflict list instead of its error list.
type ConflictError struct {
	RecordID string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.RecordID, e.Reason)
}

// Transient wraps err as retryable. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsRetryable reports whether err should be retried by the job queue or
// the per-record retry loop. Validation and authorization failures are
// final; everything explicitly marked transient is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var ae *AuthorizationError
	if errors.As(err, &ve) || errors.As(err, &ae) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
