package orchestrator

import (
	"context"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type instruments struct {
	tracer           trace.Tracer
	sessionsComplete otelmetric.Int64Counter
	sessionsFailed   otelmetric.Int64Counter
	tasksExecuted    otelmetric.Int64Counter
	quotaHalts       otelmetric.Int64Counter
}

func defaultInstruments() instruments {
	return instruments{tracer: noop.NewTracerProvider().Tracer("orchestrator")}
}

// WithTelemetry records spans and counters through the given providers.
func WithTelemetry(meter otelmetric.Meter, tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.inst.tracer = tracer
		}
		if meter == nil {
			return
		}
		var err error
		if e.inst.sessionsComplete, err = meter.Int64Counter("research_sessions_completed_total"); err != nil {
			e.logger.Printf("warn: create sessions completed counter failed: %v", err)
		}
		if e.inst.sessionsFailed, err = meter.Int64Counter("research_sessions_failed_total"); err != nil {
			e.logger.Printf("warn: create sessions failed counter failed: %v", err)
		}
		if e.inst.tasksExecuted, err = meter.Int64Counter("research_tasks_executed_total"); err != nil {
			e.logger.Printf("warn: create tasks executed counter failed: %v", err)
		}
		if e.inst.quotaHalts, err = meter.Int64Counter("research_quota_halts_total"); err != nil {
			e.logger.Printf("warn: create quota halts counter failed: %v", err)
		}
	}
}

func add(ctx context.Context, c otelmetric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}
