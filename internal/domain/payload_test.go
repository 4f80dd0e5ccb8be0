package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTrade(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(TradeSnapshot{
		TradeID:    "t-1",
		Symbol:     "AAPL",
		Side:       "long",
		Quantity:   10,
		EntryPrice: 180.5,
		ExitPrice:  184.2,
		OpenedAt:   time.Date(2025, 3, 4, 14, 30, 0, 0, time.UTC),
		ClosedAt:   time.Date(2025, 3, 4, 15, 45, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return raw
}

func validPeriod(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PeriodStats{
		PeriodStart: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Trades:      12,
		Wins:        7,
		Losses:      5,
		NetPnL:      312.40,
	})
	require.NoError(t, err)
	return raw
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		payload json.RawMessage
		wantErr string
	}{
		{"valid trade", TradeSummary, nil, ""},
		{"valid weekly", WeeklySummary, nil, ""},
		{"valid monthly", MonthlySummary, nil, ""},
		{"unknown kind", Kind("daily_summary"), json.RawMessage(`{}`), "kind"},
		{"empty payload", TradeSummary, json.RawMessage(``), "payload"},
		{"not json", TradeSummary, json.RawMessage(`not json`), "payload"},
		{"unknown field", TradeSummary, json.RawMessage(`{"trade_id":"t","symbol":"A","side":"long","quantity":1,"bogus":true}`), "payload"},
		{"bad side", TradeSummary, json.RawMessage(`{"trade_id":"t","symbol":"A","side":"sideways","quantity":1}`), "side"},
		{"zero quantity", TradeSummary, json.RawMessage(`{"trade_id":"t","symbol":"A","side":"long","quantity":0}`), "quantity"},
		{"period stats for trade kind", TradeSummary, json.RawMessage(`{"period_start":"2025-03-03T00:00:00Z"}`), "payload"},
		{"inverted period", WeeklySummary, json.RawMessage(`{"period_start":"2025-03-10T00:00:00Z","period_end":"2025-03-03T00:00:00Z","trades":1}`), "period_end"},
		{"impossible counts", MonthlySummary, json.RawMessage(`{"period_start":"2025-03-01T00:00:00Z","period_end":"2025-04-01T00:00:00Z","trades":2,"wins":2,"losses":1}`), "trades"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := tt.payload
			if payload == nil {
				if tt.kind == TradeSummary {
					payload = validTrade(t)
				} else {
					payload = validPeriod(t)
				}
			}
			err := ValidatePayload(tt.kind, payload)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Field, tt.wantErr)
		})
	}
}

func TestNewJob(t *testing.T) {
	job, err := NewJob(TradeSummary, validTrade(t), "acct-1", 3, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, Queued, job.State)
	assert.Equal(t, 0, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.False(t, job.VisibleAt.After(time.Now().UTC()))

	_, err = NewJob(TradeSummary, validTrade(t), "", 3, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "ownerId", verr.Field)
}

func TestNewJobScheduled(t *testing.T) {
	notBefore := time.Now().Add(time.Hour)
	job, err := NewJob(WeeklySummary, validPeriod(t), "acct-1", 3, &notBefore)
	require.NoError(t, err)
	assert.WithinDuration(t, notBefore.UTC(), job.VisibleAt, time.Second)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureTransient, Classify(Transient(assert.AnError)))
	assert.Equal(t, FailurePermanent, Classify(Permanent(assert.AnError)))
	assert.Equal(t, FailureUnknown, Classify(assert.AnError))
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, Queued.Terminal())
	assert.False(t, Leased.Terminal())
	assert.True(t, Succeeded.Terminal())
	assert.True(t, Failed.Terminal())
	assert.True(t, DeadLettered.Terminal())
}
