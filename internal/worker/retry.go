package worker

import (
	"time"

	"github.com/quiverhq/insightq/internal/domain"
)

// RetryPolicy decides what happens after a failed attempt. It holds no
// hidden state: Decide is a pure function of its inputs, so the policy
// is independently testable.
type RetryPolicy struct {
	// MaxAttempts is the execution ceiling; a transient failure on the
	// final attempt dead-letters the job.
	MaxAttempts int
	// BaseDelay is the backoff before the first retry; it doubles per
	// attempt (base, 2·base, 4·base, ...).
	BaseDelay time.Duration
}

// Decision is the outcome of a failed attempt: either dead-letter the
// job or retry it after RetryAfter.
type Decision struct {
	DeadLetter bool
	RetryAfter time.Duration
}

// Decide maps the attempt number (1-indexed: the attempt that just
// failed) and failure kind to a decision. Permanent failures dead-letter
// immediately regardless of attempt. Unknown failures are treated like
// transient ones; the pool logs them distinctly.
func (p RetryPolicy) Decide(attempt int, kind domain.FailureKind) Decision {
	if kind == domain.FailurePermanent {
		return Decision{DeadLetter: true}
	}
	if attempt >= p.MaxAttempts {
		return Decision{DeadLetter: true}
	}
	return Decision{RetryAfter: p.BaseDelay << uint(attempt-1)}
}
