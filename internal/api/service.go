// Package api exposes the producer-facing enqueue/status/cancel surface.
// Everything behind it (controllers, auth middleware, the UI) is out of
// scope; this is the minimal contract those collaborators consume.
package api

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/quiverhq/insightq/internal/domain"
	"github.com/quiverhq/insightq/internal/queue"
)

// Service wraps the queue store with validation and owner checks.
type Service struct {
	store       queue.Store
	maxAttempts int
	logger      *zap.Logger
}

// NewService creates the service. maxAttempts is stamped onto every
// enqueued job.
func NewService(store queue.Store, maxAttempts int, logger *zap.Logger) *Service {
	return &Service{store: store, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue validates the payload for kind, creates the job and stores it.
// A non-nil notBefore schedules first visibility in the future (how the
// periodic weekly/monthly summaries are enqueued by the cron layer).
func (s *Service) Enqueue(ctx context.Context, kind domain.Kind, payload json.RawMessage, ownerID string, notBefore *time.Time) (string, error) {
	job, err := domain.NewJob(kind, payload, ownerID, s.maxAttempts, notBefore)
	if err != nil {
		return "", err
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return "", err
	}
	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.String("owner_id", ownerID),
	)
	return job.ID, nil
}

// GetStatus returns the job view, or ErrNotFound / ErrForbidden. The
// owner check lives here because the view exposes analysis content.
func (s *Service) GetStatus(ctx context.Context, id, requesterOwnerID string) (*domain.JobView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requesterOwnerID {
		return nil, domain.ErrForbidden
	}
	view := job.View()
	return &view, nil
}

// CancelIfQueued terminates the job only if it is still queued and owned
// by the requester. Best effort: returns false for claimed or terminal
// jobs; in-flight work is never interrupted.
func (s *Service) CancelIfQueued(ctx context.Context, id, requesterOwnerID string) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if job.OwnerID != requesterOwnerID {
		return false, domain.ErrForbidden
	}
	return s.store.CancelIfQueued(ctx, id)
}

// Stats reports per-state job counts.
func (s *Service) Stats(ctx context.Context) (*queue.Stats, error) {
	return s.store.Stats(ctx)
}
