package observer

import (
	"context"
	"encoding/json"
	"time"

	conduit "github.com/nevindra/conduit"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a conduit.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner conduit.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner conduit.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Name() string            { return o.inner.Name() }
func (o *ObservedTool) Description() string     { return o.inner.Description() }
func (o *ObservedTool) Schema() json.RawMessage { return o.inner.Schema() }

func (o *ObservedTool) Run(ctx context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.run", trace.WithAttributes(
		AttrToolName.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	out, err := o.inner.Run(ctx, input, tc)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	resultLen := 0
	if out != nil {
		if raw, mErr := json.Marshal(out); mErr == nil {
			resultLen = len(raw)
		}
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(resultLen),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(o.inner.Name()),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", o.inner.Name()),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", resultLen),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}

// compile-time check
var _ conduit.Tool = (*ObservedTool)(nil)
