package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all assistant metrics instruments.
type Metrics struct {
	TurnDuration       metric.Float64Histogram
	RouteDuration      metric.Float64Histogram
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	DecisionsByOutcome metric.Int64Counter
	StreamChunks       metric.Int64Counter
	ContextEvictions   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("assistant.turn.duration",
		metric.WithDescription("End-to-end turn processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RouteDuration, err = meter.Float64Histogram("assistant.route.duration",
		metric.WithDescription("Intent routing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("assistant.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("assistant.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.DecisionsByOutcome, err = meter.Int64Counter("assistant.decisions",
		metric.WithDescription("Routing decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunks, err = meter.Int64Counter("assistant.stream.chunks",
		metric.WithDescription("Total coalesced stream chunks delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.ContextEvictions, err = meter.Int64Counter("assistant.conversations.evicted",
		metric.WithDescription("Idle conversation contexts evicted"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
