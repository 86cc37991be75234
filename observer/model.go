package observer

import (
	"context"
	"time"

	"github.com/reagentlabs/reagent"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedModel wraps a reagent.Model with OTEL instrumentation. Each
// Stream call opens an llm.stream span that ends when the stream is
// exhausted or closed, recording chunk count, token usage, and cost.
type ObservedModel struct {
	inner reagent.Model
	inst  *Instruments
}

// WrapModel returns an instrumented model that emits traces, metrics,
// and logs for every streaming round.
func WrapModel(inner reagent.Model, inst *Instruments) *ObservedModel {
	return &ObservedModel{inner: inner, inst: inst}
}

func (o *ObservedModel) Name() string { return o.inner.Name() }

func (o *ObservedModel) Stream(ctx context.Context, req reagent.ChatRequest) (reagent.ChatStream, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(AttrLLMModel.String(o.inner.Name())),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream", spanAttrs...)
	start := time.Now()

	stream, err := o.inner.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		o.record(ctx, "error", float64(time.Since(start).Milliseconds()), reagent.ChatUsage{})
		return nil, err
	}
	return &observedStream{inner: stream, model: o, ctx: ctx, span: span, start: start}, nil
}

func (o *ObservedModel) record(ctx context.Context, status string, durationMs float64, usage reagent.ChatUsage) {
	model := o.inner.Name()
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMMethod.String("stream"),
	)
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMMethod.String("stream"),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm round completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// observedStream forwards a ChatStream while counting chunks and
// aggregating usage. The span ends exactly once, on exhaustion or Close,
// whichever comes first.
type observedStream struct {
	inner reagent.ChatStream
	model *ObservedModel
	ctx   context.Context
	span  trace.Span
	start time.Time

	chunks int
	usage  reagent.ChatUsage
	ended  bool
}

func (s *observedStream) Next() bool {
	if s.inner.Next() {
		s.chunks++
		s.usage.Add(s.inner.Current().Usage)
		return true
	}
	s.finish()
	return false
}

func (s *observedStream) Current() reagent.ChatResponse { return s.inner.Current() }

func (s *observedStream) Err() error { return s.inner.Err() }

func (s *observedStream) Close() error {
	err := s.inner.Close()
	s.finish()
	return err
}

func (s *observedStream) finish() {
	if s.ended {
		return
	}
	s.ended = true
	status := "ok"
	if err := s.inner.Err(); err != nil {
		status = "error"
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.SetAttributes(
		AttrStreamChunks.Int(s.chunks),
		AttrTokensInput.Int(s.usage.InputTokens),
		AttrTokensOutput.Int(s.usage.OutputTokens),
	)
	s.span.End()
	s.model.record(s.ctx, status, float64(time.Since(s.start).Milliseconds()), s.usage)
}

var (
	_ reagent.Model      = (*ObservedModel)(nil)
	_ reagent.ChatStream = (*observedStream)(nil)
)
