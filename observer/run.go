package observer

import (
	"context"
	"time"

	conduit "github.com/nevindra/conduit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Runner is the run surface of a conduit.Runtime, abstracted so the wrapper
// is testable without a live provider.
type Runner interface {
	Run(ctx context.Context, prompt string) (conduit.RunResult, error)
}

// ObservedRunner wraps a Runner to emit OTEL lifecycle spans, metrics, and
// logs. The wrapper creates a parent span for each Run call that contains
// all inner operations (model calls, tool executions) as child spans via
// context propagation, provided the runtime carries an observer Tracer.
type ObservedRunner struct {
	inner Runner
	agent string
	inst  *Instruments
}

// WrapRunner returns an instrumented Runner that emits run-level telemetry.
// agent labels the run in metrics; use the top-level agent name or "main".
func WrapRunner(inner Runner, agent string, inst *Instruments) *ObservedRunner {
	return &ObservedRunner{inner: inner, agent: agent, inst: inst}
}

// Run wraps the inner Run, emitting a run.execute span that serves as the
// parent for all inner operations.
func (o *ObservedRunner) Run(ctx context.Context, prompt string) (conduit.RunResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "run.execute", trace.WithAttributes(
		AttrRunAgent.String(o.agent),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("run.started")

	result, err := o.inner.Run(ctx, prompt)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && (err != nil || result.StopReason == "interrupted") {
		status = "cancelled"
		span.AddEvent("run.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("run.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("run.completed")
	}

	span.SetAttributes(
		AttrRunStatus.String(status),
		AttrRunSessionID.String(result.SessionID),
		AttrRunStopReason.String(result.StopReason),
	)

	// Metrics
	attrs := metric.WithAttributes(
		AttrRunAgent.String(o.agent),
		attribute.String("status", status),
	)
	o.inst.RunExecutions.Add(ctx, 1, attrs)
	o.inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrRunAgent.String(o.agent),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("run completed"))
	rec.AddAttributes(
		otellog.String("run.agent", o.agent),
		otellog.String("run.status", status),
		otellog.String("run.session_id", result.SessionID),
		otellog.String("run.stop_reason", result.StopReason),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ Runner = (*ObservedRunner)(nil)
