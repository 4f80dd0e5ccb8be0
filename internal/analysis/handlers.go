package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quiverhq/insightq/internal/domain"
	"github.com/quiverhq/insightq/internal/worker"
)

// Handlers produces the worker handlers for all analysis job kinds.
type Handlers struct {
	assistant Assistant
	logger    *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(assistant Assistant, logger *zap.Logger) *Handlers {
	return &Handlers{assistant: assistant, logger: logger}
}

// Register binds every kind to its handler on the pool.
func (h *Handlers) Register(p *worker.Pool) error {
	for kind, handler := range map[domain.Kind]worker.Handler{
		domain.TradeSummary:   h.tradeSummary,
		domain.WeeklySummary:  h.periodSummary,
		domain.MonthlySummary: h.periodSummary,
	} {
		if err := p.Register(kind, handler); err != nil {
			return err
		}
	}
	return nil
}

// Result is the stored output of any analysis job.
type Result struct {
	Kind        domain.Kind `json:"kind"`
	Summary     string      `json:"summary"`
	GeneratedAt time.Time   `json:"generated_at"`
}

func (h *Handlers) tradeSummary(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var ts domain.TradeSnapshot
	if err := json.Unmarshal(job.Payload, &ts); err != nil {
		// Payload passed shape validation at enqueue; a decode failure
		// here means the stored payload is corrupt, not worth retrying.
		return nil, domain.Permanent(errors.Wrap(err, "decode trade snapshot"))
	}

	pnl := (ts.ExitPrice - ts.EntryPrice) * ts.Quantity
	if ts.Side == "short" {
		pnl = -pnl
	}
	prompt := fmt.Sprintf(
		"Review this closed %s trade on %s: qty %g, entry %g, exit %g, P&L %.2f, held %s.",
		ts.Side, ts.Symbol, ts.Quantity, ts.EntryPrice, ts.ExitPrice, pnl,
		ts.ClosedAt.Sub(ts.OpenedAt).Round(time.Minute),
	)
	if ts.Notes != "" {
		prompt += " Trader notes: " + ts.Notes
	}

	text, err := h.assistant.Generate(ctx, GenerateRequest{
		System: "You are a trading coach. Give concise, factual feedback on one trade.",
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}
	return marshalResult(job.Kind, text)
}

func (h *Handlers) periodSummary(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var ps domain.PeriodStats
	if err := json.Unmarshal(job.Payload, &ps); err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "decode period stats"))
	}

	prompt := fmt.Sprintf(
		"Summarize trading from %s to %s: %d trades, %d wins, %d losses, net P&L %.2f.",
		ps.PeriodStart.Format("2006-01-02"), ps.PeriodEnd.Format("2006-01-02"),
		ps.Trades, ps.Wins, ps.Losses, ps.NetPnL,
	)
	if ps.BestSymbol != "" {
		prompt += fmt.Sprintf(" Best symbol %s, worst %s.", ps.BestSymbol, ps.WorstSymbol)
	}

	text, err := h.assistant.Generate(ctx, GenerateRequest{
		System: "You are a trading coach. Summarize the period and suggest one improvement.",
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}
	return marshalResult(job.Kind, text)
}

func marshalResult(kind domain.Kind, text string) (json.RawMessage, error) {
	out, err := json.Marshal(Result{
		Kind:        kind,
		Summary:     text,
		GeneratedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "encode result"))
	}
	return out, nil
}
