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

// WrapTool returns a copy of the tool whose handler is instrumented:
// every invocation emits a span, an execution counter, a duration
// histogram, and a structured log record.
func WrapTool(t *reagent.Tool, inst *Instruments) *reagent.Tool {
	inner := t.Handler
	wrapped := *t
	wrapped.Handler = func(ctx context.Context, input map[string]any) (*reagent.ToolResponse, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(t.Name),
		))
		defer span.End()
		start := time.Now()

		resp, err := inner(ctx, input)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		blocks := 0
		if resp != nil {
			blocks = len(resp.Content)
		}
		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultBlocks.Int(blocks),
		)

		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(t.Name),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(t.Name),
		))

		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool executed"))
		rec.AddAttributes(
			otellog.String("tool.name", t.Name),
			otellog.String("tool.status", status),
			otellog.Int("tool.result_blocks", blocks),
			otellog.Float64("tool.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return resp, err
	}
	return &wrapped
}
