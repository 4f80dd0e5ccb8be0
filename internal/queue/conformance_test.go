package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/insightq/internal/domain"
)

// runStoreLifecycle drives one job through enqueue → claim → retry →
// claim → complete against a real backend. Shared by the postgres and
// redis integration tests.
func runStoreLifecycle(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	job := testJob(uuid.NewString(), time.Now().UTC().Add(-time.Minute))
	require.NoError(t, st.Enqueue(ctx, job))
	assert.ErrorIs(t, st.Enqueue(ctx, job), domain.ErrDuplicateJob)

	claimed, err := st.ClaimNext(ctx, "it-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, domain.Leased, claimed.State)
	assert.Equal(t, 1, claimed.Attempt)

	// Transient failure: requeue immediately visible.
	next := time.Now().UTC().Add(-time.Second)
	require.NoError(t, st.Fail(ctx, job.ID, "transient failure: timeout", &next))

	claimed, err = st.ClaimNext(ctx, "it-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempt)

	require.NoError(t, st.Complete(ctx, job.ID, json.RawMessage(`{"summary":"done"}`)))
	require.NoError(t, st.Complete(ctx, job.ID, json.RawMessage(`{"summary":"other"}`)))

	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Succeeded, got.State)
	assert.JSONEq(t, `{"summary":"done"}`, string(got.Result))

	cancelled, err := st.CancelIfQueued(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = st.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// runStoreCancel verifies cancel semantics on a fresh queued job.
func runStoreCancel(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	job := testJob(uuid.NewString(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, st.Enqueue(ctx, job))

	cancelled, err := st.CancelIfQueued(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, got.State)
	assert.Equal(t, CancelledInfo, got.ErrorInfo)
}
