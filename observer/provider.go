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

// ObservedProvider wraps a conduit.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner conduit.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces, metrics,
// and logs. If inner streams, the returned provider streams too, so the
// runtime's streaming detection keeps working through the wrapper.
func WrapProvider(inner conduit.Provider, inst *Instruments) conduit.Provider {
	op := &ObservedProvider{inner: inner, inst: inst}
	if sp, ok := inner.(conduit.StreamingProvider); ok {
		return &ObservedStreamingProvider{ObservedProvider: op, streamer: sp}
	}
	return op
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

// Protocol forwards the inner provider's protocol hint. An unhinted inner
// provider yields an empty protocol, which resolves to the same default the
// unwrapped provider would get.
func (o *ObservedProvider) Protocol() conduit.Protocol {
	if h, ok := o.inner.(conduit.ProtocolHinter); ok {
		return h.Protocol()
	}
	return ""
}

func (o *ObservedProvider) Complete(ctx context.Context, req conduit.Request) (conduit.ModelOutput, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(req.Model),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	spanName := "llm.complete"
	method := "complete"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.complete_with_tools"
		method = "complete_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	out, err := o.inner.Complete(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, req.Model, method, status, durationMs, out.Usage)
	return out, err
}

// ObservedStreamingProvider adds the streaming half of the wrapper.
type ObservedStreamingProvider struct {
	*ObservedProvider
	streamer conduit.StreamingProvider
}

func (o *ObservedStreamingProvider) Stream(ctx context.Context, req conduit.Request, ch chan<- conduit.StreamEvent) error {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count chunks and capture the terminal usage.
	// Buffer wrappedCh generously so the inner provider never blocks on send,
	// preventing a deadlock where the goroutine can't drain wrappedCh because
	// ch is full and nobody reads ch until Stream returns.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan conduit.StreamEvent, bufSize)
	chunks := 0
	var usage *conduit.Usage
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for ev := range wrappedCh {
			chunks++
			if ev.Type == conduit.StreamDone && ev.Usage != nil {
				usage = ev.Usage
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := o.streamer.Stream(ctx, req, wrappedCh)
	<-done // wait for goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req.Model, "stream", status, durationMs, usage)
	return err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage *conduit.Usage) {
	var in, out int
	if usage != nil {
		in, out = usage.InputTokens, usage.OutputTokens
	}
	cost := o.inst.Cost.Calculate(model, in, out)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(in),
		AttrTokensOutput.Int(out),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(in), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(out), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.ModelDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("model call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", in),
		otellog.Int("llm.tokens.output", out),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time checks
var (
	_ conduit.Provider          = (*ObservedProvider)(nil)
	_ conduit.StreamingProvider = (*ObservedStreamingProvider)(nil)
	_ conduit.ProtocolHinter    = (*ObservedProvider)(nil)
)
