package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "chatgate"

// Metrics holds all ChatGate metric instruments.
type Metrics struct {
	TurnsStarted   metric.Int64Counter
	TurnsCompleted metric.Int64Counter
	TurnsFailed    metric.Int64Counter
	StreamedTokens metric.Int64Counter
	TurnDuration   metric.Float64Histogram
	TurnCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("chatgate.turns.started",
		metric.WithDescription("Number of chat turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("chatgate.turns.completed",
		metric.WithDescription("Number of chat turns finalized normally"))
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("chatgate.turns.failed",
		metric.WithDescription("Number of chat turns ended by an upstream error"))
	if err != nil {
		return nil, err
	}

	m.StreamedTokens, err = meter.Int64Counter("chatgate.tokens.streamed",
		metric.WithDescription("Number of content events relayed to clients"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("chatgate.turn.duration_seconds",
		metric.WithDescription("Chat turn duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.TurnCost, err = meter.Float64Histogram("chatgate.turn.cost_usd",
		metric.WithDescription("Chat turn billed cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
