package engine

import (
	"log/slog"
	"time"
)

// TickSummary is the per-tick account snapshot a session reports: cash, net
// asset value, per-outcome position sizes, binary delta and resting order
// count. Plain data; formatting belongs to the sink.
type TickSummary struct {
	Time       time.Time
	NAV        float64
	Cash       float64
	Positions  map[string]float64 // outcome -> signed size
	Delta      float64
	OpenOrders int
}

// SummarySink receives one TickSummary per session tick.
type SummarySink interface {
	EmitSummary(sessionID string, s TickSummary)
}

type slogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a SummarySink that logs summaries as structured
// records, the default when no external sink is wired.
func NewSlogSink(logger *slog.Logger) SummarySink {
	return &slogSink{logger: logger}
}

func (s *slogSink) EmitSummary(sessionID string, sum TickSummary) {
	s.logger.Info("tick summary",
		slog.String("session_id", sessionID),
		slog.Float64("nav", sum.NAV),
		slog.Float64("cash", sum.Cash),
		slog.Float64("delta", sum.Delta),
		slog.Int("open_orders", sum.OpenOrders),
		slog.Any("positions", sum.Positions),
	)
}
