// Package worker runs the claim/execute loops that drain the job store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quiverhq/insightq/internal/domain"
	"github.com/quiverhq/insightq/internal/queue"
	"github.com/quiverhq/insightq/internal/ratelimit"
)

// Handler executes one job and returns the result payload to persist.
// Failures should be classified with domain.Transient or domain.Permanent;
// anything else is treated as unknown.
type Handler func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

// Sink persists a job's output exactly once per job id. Committing the
// same job twice must leave a single record (first writer wins); that is
// the only guard against the duplicate-execution window a crashed
// worker's expired lease opens.
type Sink interface {
	Commit(ctx context.Context, job *domain.Job, result json.RawMessage) error
}

// Pool runs a fixed number of concurrent execution loops over the store.
// Loops share nothing but the store and the rate limiter, both of which
// provide their own atomicity.
type Pool struct {
	store    queue.Store
	limiter  ratelimit.Limiter
	sink     Sink
	logger   *zap.Logger
	handlers map[domain.Kind]Handler
	policy   RetryPolicy
	workerID string

	concurrency    int
	leaseDuration  time.Duration
	handlerTimeout time.Duration
	idleMin        time.Duration
	idleMax        time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of parallel loops (default 3).
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLeaseDuration sets how long a claim is held before it may be
// reclaimed. Must exceed the handler timeout, or a slow-but-legitimate
// job gets reclaimed mid-flight.
func WithLeaseDuration(d time.Duration) Option {
	return func(p *Pool) { p.leaseDuration = d }
}

// WithHandlerTimeout bounds a single handler invocation (default 60s).
func WithHandlerTimeout(d time.Duration) Option {
	return func(p *Pool) { p.handlerTimeout = d }
}

// WithRetryPolicy sets the retry/backoff policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *Pool) { p.policy = policy }
}

// WithIdleWait bounds the jittered wait between empty claims.
func WithIdleWait(min, max time.Duration) Option {
	return func(p *Pool) {
		p.idleMin = min
		p.idleMax = max
	}
}

// New creates a pool. Register handlers before calling Run.
func New(store queue.Store, limiter ratelimit.Limiter, sink Sink, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		store:          store,
		limiter:        limiter,
		sink:           sink,
		logger:         logger,
		handlers:       make(map[domain.Kind]Handler),
		policy:         RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		workerID:       uuid.NewString(),
		concurrency:    3,
		leaseDuration:  90 * time.Second,
		handlerTimeout: 60 * time.Second,
		idleMin:        250 * time.Millisecond,
		idleMax:        time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a job kind.
func (p *Pool) Register(kind domain.Kind, h Handler) error {
	if _, found := p.handlers[kind]; found {
		return errors.Errorf("worker: kind %s already registered", kind)
	}
	p.handlers[kind] = h
	return nil
}

// Run starts the loops and blocks until ctx is cancelled and every
// in-flight job has finished. Cancellation only stops new claims;
// claimed work always runs to completion or handler timeout, so
// shutdown latency is bounded by the timeout.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		zap.String("worker_id", p.workerID),
		zap.Int("concurrency", p.concurrency),
	)
	var g errgroup.Group
	for i := 0; i < p.concurrency; i++ {
		i := i
		g.Go(func() error {
			p.loop(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", zap.String("worker_id", p.workerID))
	return err
}

func (p *Pool) loop(ctx context.Context, n int) {
	log := p.logger.With(zap.String("worker_id", p.workerID), zap.Int("loop", n))

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.idleMin
	idle.MaxInterval = p.idleMax
	idle.MaxElapsedTime = 0 // poll forever
	idle.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.ClaimNext(ctx, p.workerID, p.leaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", zap.Error(err))
			if !sleep(ctx, idle.NextBackOff()) {
				return
			}
			continue
		}
		if job == nil {
			// Queue idle; this is the only polling point.
			if !sleep(ctx, idle.NextBackOff()) {
				return
			}
			continue
		}

		idle.Reset()
		p.execute(ctx, log, job)
	}
}

// sleep waits for d or until ctx is done; reports whether to keep looping.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pool) execute(ctx context.Context, log *zap.Logger, job *domain.Job) {
	// The job is claimed: from here on a shutdown signal must not abandon
	// it, so all store and downstream calls run on a detached context.
	base := context.WithoutCancel(ctx)

	log = log.With(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", job.Attempt),
	)

	if err := p.limiter.Acquire(base); err != nil {
		// Only possible if the detached context is somehow done; requeue
		// immediately rather than burn the attempt.
		now := time.Now().UTC()
		p.fail(base, log, job, "rate limiter unavailable", &now)
		return
	}

	result, err := p.invoke(base, job)
	if err == nil {
		if err := p.sink.Commit(base, job, result); err != nil {
			log.Error("result commit failed", zap.Error(err))
			p.settleFailure(base, log, job, domain.Transient(err))
			return
		}
		if err := p.store.Complete(base, job.ID, result); err != nil {
			log.Error("complete failed", zap.Error(err))
			return
		}
		log.Info("job succeeded")
		return
	}
	p.settleFailure(base, log, job, err)
}

// invoke runs the handler under the per-job timeout, converting panics
// into errors so a single job's fault never kills the loop.
func (p *Pool) invoke(ctx context.Context, job *domain.Job) (result json.RawMessage, err error) {
	handler, found := p.handlers[job.Kind]
	if !found {
		return nil, domain.Permanent(errors.Errorf("no handler registered for kind %s", job.Kind))
	}

	hctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	result, err = handler(hctx, job)
	if err != nil && hctx.Err() != nil {
		err = domain.Transient(err)
	}
	return result, err
}

func (p *Pool) settleFailure(ctx context.Context, log *zap.Logger, job *domain.Job, err error) {
	kind := domain.Classify(err)
	if kind == domain.FailureUnknown {
		// Conservatively retried like a transient failure, but logged
		// under its own kind so operators can reclassify.
		log.Warn("unclassified handler failure", zap.Error(err),
			zap.String("failure_kind", string(domain.FailureUnknown)))
	}

	decision := p.policy.Decide(job.Attempt, kind)
	info := errorSummary(kind, err)
	if decision.DeadLetter {
		p.fail(ctx, log, job, info, nil)
		log.Warn("job dead-lettered", zap.Error(err), zap.String("failure_kind", string(kind)))
		return
	}
	next := time.Now().UTC().Add(decision.RetryAfter)
	p.fail(ctx, log, job, info, &next)
	log.Info("job scheduled for retry",
		zap.Duration("retry_after", decision.RetryAfter),
		zap.String("failure_kind", string(kind)),
	)
}

func (p *Pool) fail(ctx context.Context, log *zap.Logger, job *domain.Job, info string, nextVisibleAt *time.Time) {
	if err := p.store.Fail(ctx, job.ID, info, nextVisibleAt); err != nil {
		log.Error("fail transition failed", zap.Error(err))
	}
}

// errorSummary is the only failure detail status readers ever see; raw
// downstream errors stay in the logs.
func errorSummary(kind domain.FailureKind, err error) string {
	return fmt.Sprintf("%s failure: %v", kind, err)
}
