// Package queue defines the durable job store contract the worker pool
// consumes, plus the memory, postgres and redis implementations.
//
// Every operation is atomic with respect to concurrent callers. The lease
// is the concurrency-safety backbone: ClaimNext is the only way a job
// becomes owned by a worker, and an expired lease simply makes the job
// claimable again (no heartbeat protocol; the bounded duplicate-execution
// window is absorbed by the result sink's idempotency).
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quiverhq/insightq/internal/domain"
)

// Store is persistent storage for jobs.
type Store interface {
	// Enqueue inserts a new job in the queued state. It returns
	// domain.ErrDuplicateJob if the id already exists, so producers can
	// supply idempotency keys and dedupe at enqueue time.
	Enqueue(ctx context.Context, job *domain.Job) error

	// ClaimNext atomically selects one claimable job, marks it leased by
	// workerID until now+leaseDuration, increments its attempt counter
	// and returns it. A job is claimable when it is queued and visible,
	// or leased with an expired lease, and has attempts remaining.
	// Oldest visible-at first; no two concurrent callers can claim the
	// same job. Returns (nil, nil) when nothing is ready.
	ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error)

	// Complete marks the job succeeded, stores its result and clears the
	// lease. No-op if the job is already terminal.
	Complete(ctx context.Context, id string, result json.RawMessage) error

	// Fail records a failed attempt. With a non-nil nextVisibleAt the job
	// goes back to queued, invisible until that time (retry). With nil it
	// is dead-lettered. No-op if the job is already terminal.
	Fail(ctx context.Context, id string, errorInfo string, nextVisibleAt *time.Time) error

	// Get returns the job or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// CancelIfQueued terminates the job (state failed, errorInfo
	// "cancelled by owner") only if it is still queued and unclaimed.
	// Returns false otherwise; in-flight work is never cancelled.
	CancelIfQueued(ctx context.Context, id string) (bool, error)

	// Stats counts jobs per state.
	Stats(ctx context.Context) (*Stats, error)
}

// Stats holds per-state job counts.
type Stats struct {
	Queued       int `json:"queued"`
	Leased       int `json:"leased"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// CancelledInfo is the errorInfo recorded by CancelIfQueued.
const CancelledInfo = "cancelled by owner"

// leaseReapedInfo marks jobs dead-lettered because their lease expired
// after the final allowed attempt.
const leaseReapedInfo = "lease expired on final attempt"
