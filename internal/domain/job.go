package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	Queued       State = "queued"
	Leased       State = "leased"
	Succeeded    State = "succeeded"
	Failed       State = "failed"
	DeadLettered State = "dead_lettered"
)

// Terminal reports whether s is a final state. Terminal jobs are never
// claimed again and their result/errorInfo never changes.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, DeadLettered:
		return true
	}
	return false
}

type Kind string

const (
	TradeSummary   Kind = "trade_summary"
	WeeklySummary  Kind = "weekly_summary"
	MonthlySummary Kind = "monthly_summary"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case TradeSummary, WeeklySummary, MonthlySummary:
		return true
	}
	return false
}

// Job is one schedulable unit of analysis work. The ID doubles as the
// idempotency key for the whole lifecycle: enqueue dedupe, lease tracking
// and the single result commit are all keyed by it.
type Job struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	OwnerID        string          `json:"owner_id"`
	State          State           `json:"state"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	VisibleAt      time.Time       `json:"visible_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorInfo      string          `json:"error_info,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewJob validates the payload against the kind's schema and builds a
// queued job. A non-nil notBefore delays first visibility (scheduled
// enqueue); otherwise the job is claimable immediately.
func NewJob(kind Kind, payload json.RawMessage, ownerID string, maxAttempts int, notBefore *time.Time) (*Job, error) {
	if err := ValidatePayload(kind, payload); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, &ValidationError{Field: "ownerId", Reason: "must not be empty"}
	}
	now := time.Now().UTC()
	visibleAt := now
	if notBefore != nil && notBefore.After(now) {
		visibleAt = notBefore.UTC()
	}
	return &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		OwnerID:     ownerID,
		State:       Queued,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		VisibleAt:   visibleAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Clone returns a deep copy. Stores hand out clones so callers cannot
// mutate shared state.
func (j *Job) Clone() *Job {
	c := *j
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	return &c
}

// JobView is the read model exposed to status callers. Raw downstream
// errors never appear here, only the terminal state and errorInfo summary.
type JobView struct {
	ID        string          `json:"id"`
	State     State           `json:"state"`
	Attempt   int             `json:"attempt"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorInfo string          `json:"error_info,omitempty"`
}

func (j *Job) View() JobView {
	return JobView{
		ID:        j.ID,
		State:     j.State,
		Attempt:   j.Attempt,
		Result:    append(json.RawMessage(nil), j.Result...),
		ErrorInfo: j.ErrorInfo,
	}
}
