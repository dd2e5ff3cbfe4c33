package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks failures of the progress store or certificate ledger.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrQueuePublishFailed marks a publish that did not reach the queue.
	ErrQueuePublishFailed = errors.New("queue publish failed")

	// ErrNotFound is returned by stores when no record exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrMalformedMessage marks a queue message that cannot be decoded or is missing fields.
	// Retrying a malformed message never helps.
	ErrMalformedMessage = errors.New("malformed message")
)

// ValidationError is bad input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FailureKind classifies a dependency failure for retry decisions.
type FailureKind int

const (
	// Transient failures may succeed on redelivery or local retry.
	Transient FailureKind = iota
	// Permanent failures will fail again; route them to dead-letter or alerting.
	Permanent
)

func (k FailureKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// DependencyError wraps a failure of a store, queue or mail collaborator.
type DependencyError struct {
	Dependency string
	Kind       FailureKind
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Dependency, e.Kind, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable failure of dependency.
func TransientError(dependency string, err error) error {
	return &DependencyError{Dependency: dependency, Kind: Transient, Err: err}
}

// PermanentError wraps err as a non-retryable failure of dependency.
func PermanentError(dependency string, err error) error {
	return &DependencyError{Dependency: dependency, Kind: Permanent, Err: err}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPermanent reports whether err should not be retried.
// Validation and malformed-message errors are permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || errors.Is(err, ErrMalformedMessage) {
		return true
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return de.Kind == Permanent
	}
	return false
}

// IsTransient reports whether err may succeed on retry. Unclassified errors are
// treated as transient so that redelivery gets a chance.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
