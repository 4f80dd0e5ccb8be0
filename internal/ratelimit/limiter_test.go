package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketCeiling(t *testing.T) {
	const (
		max    = 5
		window = 250 * time.Millisecond
	)
	bucket := NewTokenBucket(max, window)
	ctx := context.Background()

	var admissions []time.Time
	for i := 0; i < 2*max+1; i++ {
		require.NoError(t, bucket.Acquire(ctx))
		admissions = append(admissions, time.Now())
	}

	// Any max+1 consecutive admissions must span at least one window:
	// that is exactly "no rolling window sees more than max starts".
	// Timer slop only makes spans longer, so a small epsilon suffices.
	const epsilon = 20 * time.Millisecond
	for i := 0; i+max < len(admissions); i++ {
		span := admissions[i+max].Sub(admissions[i])
		assert.GreaterOrEqual(t, span, window-epsilon,
			"admissions %d..%d arrived too fast", i, i+max)
	}
}

func TestTokenBucketAcquireHonorsCancel(t *testing.T) {
	bucket := NewTokenBucket(1, time.Hour)
	require.NoError(t, bucket.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := bucket.Acquire(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancelled waiter must return promptly")
}

func TestUnlimitedNeverBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, Unlimited{}.Acquire(ctx))
}
