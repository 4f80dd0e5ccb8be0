package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// TradeSnapshot is the payload for TradeSummary jobs: one closed trade as
// captured at enqueue time.
type TradeSnapshot struct {
	TradeID    string    `json:"trade_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // "long" or "short"
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	Notes      string    `json:"notes,omitempty"`
}

// PeriodStats is the payload for WeeklySummary and MonthlySummary jobs:
// aggregate statistics over the period being summarized.
type PeriodStats struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Trades      int       `json:"trades"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	NetPnL      float64   `json:"net_pnl"`
	BestSymbol  string    `json:"best_symbol,omitempty"`
	WorstSymbol string    `json:"worst_symbol,omitempty"`
}

// ValidatePayload checks raw against the shape required by kind. The
// scheduler itself never interprets payloads beyond this gate; they are
// meaningful only to the kind's handler.
func ValidatePayload(kind Kind, raw json.RawMessage) error {
	if !kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "unknown job kind"}
	}
	if len(raw) == 0 {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	switch kind {
	case TradeSummary:
		var ts TradeSnapshot
		if err := dec.Decode(&ts); err != nil {
			return &ValidationError{Field: "payload", Reason: err.Error()}
		}
		return validateTradeSnapshot(&ts)
	default: // WeeklySummary, MonthlySummary
		var ps PeriodStats
		if err := dec.Decode(&ps); err != nil {
			return &ValidationError{Field: "payload", Reason: err.Error()}
		}
		return validatePeriodStats(&ps)
	}
}

func validateTradeSnapshot(ts *TradeSnapshot) error {
	switch {
	case ts.TradeID == "":
		return &ValidationError{Field: "payload.trade_id", Reason: "must not be empty"}
	case ts.Symbol == "":
		return &ValidationError{Field: "payload.symbol", Reason: "must not be empty"}
	case ts.Side != "long" && ts.Side != "short":
		return &ValidationError{Field: "payload.side", Reason: `must be "long" or "short"`}
	case ts.Quantity <= 0:
		return &ValidationError{Field: "payload.quantity", Reason: "must be positive"}
	case ts.ClosedAt.Before(ts.OpenedAt):
		return &ValidationError{Field: "payload.closed_at", Reason: "must not precede opened_at"}
	}
	return nil
}

func validatePeriodStats(ps *PeriodStats) error {
	switch {
	case ps.PeriodStart.IsZero() || ps.PeriodEnd.IsZero():
		return &ValidationError{Field: "payload.period", Reason: "period_start and period_end are required"}
	case !ps.PeriodEnd.After(ps.PeriodStart):
		return &ValidationError{Field: "payload.period_end", Reason: "must be after period_start"}
	case ps.Trades < 0 || ps.Wins < 0 || ps.Losses < 0:
		return &ValidationError{Field: "payload.trades", Reason: "counts must not be negative"}
	case ps.Wins+ps.Losses > ps.Trades:
		return &ValidationError{Field: "payload.trades", Reason: "wins+losses exceeds trade count"}
	}
	return nil
}
