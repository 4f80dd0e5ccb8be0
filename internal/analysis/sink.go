package analysis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/quiverhq/insightq/internal/domain"
)

// Insight is the analysis record read by the journal UI.
type Insight struct {
	JobID     string          `json:"job_id"`
	OwnerID   string          `json:"owner_id"`
	Kind      domain.Kind     `json:"kind"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresSink writes insights keyed by job id. The insert carries
// ON CONFLICT DO NOTHING, so a re-executed job (reclaimed after a crash
// between commit and Complete) leaves the first record untouched.
type PostgresSink struct {
	db *pgxpool.Pool
}

// NewPostgresSink wraps the given pool.
func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Commit(ctx context.Context, job *domain.Job, result json.RawMessage) error {
	query, args, err := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Insert("trade_insights").
		Columns("job_id", "owner_id", "kind", "content", "created_at").
		Values(job.ID, job.OwnerID, job.Kind, result, time.Now().UTC()).
		Suffix("on conflict (job_id) do nothing").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "build insight insert")
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return errors.Wrap(err, "insert insight")
	}
	return nil
}

// MemorySink is an in-memory Sink for tests. First writer wins, same as
// the postgres sink.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]Insight
	commits int
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]Insight)}
}

func (s *MemorySink) Commit(_ context.Context, job *domain.Job, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if _, found := s.records[job.ID]; found {
		return nil
	}
	s.records[job.ID] = Insight{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Kind:      job.Kind,
		Content:   append(json.RawMessage(nil), result...),
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// Get returns the stored insight for a job id.
func (s *MemorySink) Get(jobID string) (Insight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.records[jobID]
	return rec, found
}

// Len returns the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Commits returns how many commit calls were made, double commits included.
func (s *MemorySink) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}
