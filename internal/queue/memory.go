package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quiverhq/insightq/internal/domain"
)

// MemoryStore is an in-memory Store for tests and local development.
// Do not use in production: jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (st *MemoryStore) Enqueue(_ context.Context, job *domain.Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; found {
		return domain.ErrDuplicateJob
	}
	st.jobs[job.ID] = job.Clone()
	return nil
}

func (st *MemoryStore) ClaimNext(_ context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()

	var next *domain.Job
	for _, job := range st.jobs {
		if !claimable(job, now) {
			continue
		}
		// A job whose lease expired after the final attempt has no
		// attempts left; dead-letter it so it still reaches a terminal
		// state instead of lingering leased forever.
		if job.Attempt >= job.MaxAttempts {
			job.State = domain.DeadLettered
			job.ErrorInfo = leaseReapedInfo
			job.LeaseOwner = ""
			job.LeaseExpiresAt = nil
			job.UpdatedAt = now
			continue
		}
		if next == nil || job.VisibleAt.Before(next.VisibleAt) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	expires := now.Add(leaseDuration)
	next.State = domain.Leased
	next.Attempt++
	next.LeaseOwner = workerID
	next.LeaseExpiresAt = &expires
	next.UpdatedAt = now
	return next.Clone(), nil
}

func claimable(job *domain.Job, now time.Time) bool {
	switch job.State {
	case domain.Queued:
		return !job.VisibleAt.After(now)
	case domain.Leased:
		return job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(now)
	}
	return false
}

func (st *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return domain.ErrNotFound
	}
	if job.State.Terminal() {
		return nil
	}
	job.State = domain.Succeeded
	job.Result = append(json.RawMessage(nil), result...)
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = st.now()
	return nil
}

func (st *MemoryStore) Fail(_ context.Context, id string, errorInfo string, nextVisibleAt *time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return domain.ErrNotFound
	}
	if job.State.Terminal() {
		return nil
	}
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.ErrorInfo = errorInfo
	job.UpdatedAt = st.now()
	if nextVisibleAt != nil {
		job.State = domain.Queued
		job.VisibleAt = nextVisibleAt.UTC()
		return nil
	}
	job.State = domain.DeadLettered
	return nil
}

func (st *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (st *MemoryStore) CancelIfQueued(_ context.Context, id string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return false, domain.ErrNotFound
	}
	if job.State != domain.Queued {
		return false, nil
	}
	job.State = domain.Failed
	job.ErrorInfo = CancelledInfo
	job.UpdatedAt = st.now()
	return true, nil
}

func (st *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		switch job.State {
		case domain.Queued:
			stats.Queued++
		case domain.Leased:
			stats.Leased++
		case domain.Succeeded:
			stats.Succeeded++
		case domain.Failed:
			stats.Failed++
		case domain.DeadLettered:
			stats.DeadLettered++
		}
	}
	return stats, nil
}
