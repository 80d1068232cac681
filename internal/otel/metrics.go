package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gateway metrics instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	PromptDuration  metric.Float64Histogram
	LiveSessions    metric.Int64UpDownCounter
	SessionsSpawned metric.Int64Counter
	SessionsResets  metric.Int64Counter
	SessionsEvicted metric.Int64Counter
	StreamChunks    metric.Int64Counter
	PromptErrors    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("kiro.request.duration",
		metric.WithDescription("HTTPFacade request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PromptDuration, err = meter.Float64Histogram("kiro.prompt.duration",
		metric.WithDescription("AgentSession prompt turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveSessions, err = meter.Int64UpDownCounter("kiro.sessions.live",
		metric.WithDescription("Number of live managed sessions in the pool"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsSpawned, err = meter.Int64Counter("kiro.sessions.spawned",
		metric.WithDescription("Total agent subprocesses spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsResets, err = meter.Int64Counter("kiro.sessions.resets",
		metric.WithDescription("Total session resets, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsEvicted, err = meter.Int64Counter("kiro.sessions.evicted",
		metric.WithDescription("Total sessions evicted by idle GC"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunks, err = meter.Int64Counter("kiro.stream.chunks",
		metric.WithDescription("Total SSE chunks emitted"),
	)
	if err != nil {
		return nil, err
	}

	m.PromptErrors, err = meter.Int64Counter("kiro.prompt.errors",
		metric.WithDescription("Total prompt turn failures, by kind"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
