package queue

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/quiverhq/insightq/internal/domain"
)

// psql builds queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const jobColumns = `id, kind, payload, owner_id, state, attempt, max_attempts,
visible_at, lease_owner, lease_expires_at, result, error_info, created_at, updated_at`

// PostgresStore is the authoritative Store backed by the jobs table.
// Claiming relies on FOR UPDATE SKIP LOCKED so concurrent workers never
// block on, or double-claim, the same row.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps the given pool. The schema is managed by the
// goose migrations under migrations/.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (st *PostgresStore) Enqueue(ctx context.Context, job *domain.Job) error {
	query, args, err := psql.Insert("jobs").
		Columns("id", "kind", "payload", "owner_id", "state", "attempt", "max_attempts",
			"visible_at", "created_at", "updated_at").
		Values(job.ID, job.Kind, job.Payload, job.OwnerID, job.State, job.Attempt,
			job.MaxAttempts, job.VisibleAt, job.CreatedAt, job.UpdatedAt).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build enqueue query")
	}
	if _, err := st.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateJob
		}
		return errors.Wrap(err, "insert job")
	}
	return nil
}

const reapQuery = `
update jobs
   set state = 'dead_lettered',
       error_info = $1,
       lease_owner = null,
       lease_expires_at = null,
       updated_at = now()
 where state = 'leased'
   and lease_expires_at <= now()
   and attempt >= max_attempts`

const claimQuery = `
update jobs
   set state = 'leased',
       attempt = attempt + 1,
       lease_owner = $1,
       lease_expires_at = now() + make_interval(secs => $2),
       updated_at = now()
 where id = (
       select id
         from jobs
        where ((state = 'queued' and visible_at <= now())
            or (state = 'leased' and lease_expires_at <= now()))
          and attempt < max_attempts
        order by visible_at asc
        limit 1
          for update skip locked
       )
returning ` + jobColumns

func (st *PostgresStore) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.Job, error) {
	// Expired leases whose attempts are exhausted can never be claimed
	// again; move them straight to dead_lettered so they terminate.
	if _, err := st.db.Exec(ctx, reapQuery, leaseReapedInfo); err != nil {
		return nil, errors.Wrap(err, "reap exhausted leases")
	}

	row := st.db.QueryRow(ctx, claimQuery, workerID, leaseDuration.Seconds())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return job, nil
}

func (st *PostgresStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	query, args, err := psql.Update("jobs").
		Set("state", domain.Succeeded).
		Set("result", result).
		Set("lease_owner", nil).
		Set("lease_expires_at", nil).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"state": []domain.State{domain.Queued, domain.Leased}}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build complete query")
	}
	// Zero rows affected means the job is already terminal: idempotent no-op.
	if _, err := st.db.Exec(ctx, query, args...); err != nil {
		return errors.Wrap(err, "complete job")
	}
	return nil
}

func (st *PostgresStore) Fail(ctx context.Context, id string, errorInfo string, nextVisibleAt *time.Time) error {
	b := psql.Update("jobs").
		Set("lease_owner", nil).
		Set("lease_expires_at", nil).
		Set("error_info", errorInfo).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"state": []domain.State{domain.Queued, domain.Leased}})
	if nextVisibleAt != nil {
		b = b.Set("state", domain.Queued).Set("visible_at", nextVisibleAt.UTC())
	} else {
		b = b.Set("state", domain.DeadLettered)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return errors.Wrap(err, "build fail query")
	}
	if _, err := st.db.Exec(ctx, query, args...); err != nil {
		return errors.Wrap(err, "fail job")
	}
	return nil
}

func (st *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	query, args, err := psql.Select(jobColumns).From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build get query")
	}
	job, err := scanJob(st.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return job, nil
}

func (st *PostgresStore) CancelIfQueued(ctx context.Context, id string) (bool, error) {
	query, args, err := psql.Update("jobs").
		Set("state", domain.Failed).
		Set("error_info", CancelledInfo).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "state": domain.Queued}).
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, "build cancel query")
	}
	tag, err := st.db.Exec(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "cancel job")
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Distinguish "not cancellable" from "no such job".
	if _, err := st.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (st *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := st.db.Query(ctx, `select state, count(*) from jobs group by state`)
	if err != nil {
		return nil, errors.Wrap(err, "query stats")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var state domain.State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, errors.Wrap(err, "scan stats")
		}
		switch state {
		case domain.Queued:
			stats.Queued = count
		case domain.Leased:
			stats.Leased = count
		case domain.Succeeded:
			stats.Succeeded = count
		case domain.Failed:
			stats.Failed = count
		case domain.DeadLettered:
			stats.DeadLettered = count
		}
	}
	return stats, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		leaseBy   *string
		errorInfo *string
	)
	err := row.Scan(&job.ID, &job.Kind, &job.Payload, &job.OwnerID, &job.State,
		&job.Attempt, &job.MaxAttempts, &job.VisibleAt, &leaseBy, &job.LeaseExpiresAt,
		&job.Result, &errorInfo, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if leaseBy != nil {
		job.LeaseOwner = *leaseBy
	}
	if errorInfo != nil {
		job.ErrorInfo = *errorInfo
	}
	return &job, nil
}
