package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores and the status service when no
	// job exists for the given id.
	ErrNotFound = errors.New("insightq: job not found")

	// ErrDuplicateJob is returned by Enqueue when the job id already
	// exists in the store.
	ErrDuplicateJob = errors.New("insightq: duplicate job id")

	// ErrForbidden is returned by the status service when the requester
	// does not own the job.
	ErrForbidden = errors.New("insightq: job belongs to another owner")
)

// ValidationError rejects a payload before it enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("insightq: invalid %s: %s", e.Field, e.Reason)
}

// FailureKind classifies a handler failure for the retry policy.
type FailureKind string

const (
	// FailureTransient covers timeouts, connection resets and downstream
	// throttling; retried with backoff.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers downstream rejection of the input itself;
	// dead-lettered without retry.
	FailurePermanent FailureKind = "permanent"
	// FailureUnknown is anything unclassified. Retried like transient but
	// logged distinctly so operators can reclassify.
	FailureUnknown FailureKind = "unknown"
)

type classifiedError struct {
	kind FailureKind
	err  error
}

func (e *classifiedError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: FailureTransient, err: err}
}

// Permanent marks err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: FailurePermanent, err: err}
}

// Classify extracts the failure kind from err. Unwrapped errors are
// FailureUnknown.
func Classify(err error) FailureKind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return FailureUnknown
}
