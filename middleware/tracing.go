package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for Aura tracing.
const tracerName = "github.com/counting-bot/Aura"

// Tracing returns middleware that wraps command execution in an
// OpenTelemetry span. With no TracerProvider configured globally the
// noop tracer is used and this middleware is a pass-through.
//
// Span attributes: aura.command.op, aura.command.frame_id,
// aura.worker_id. On error the span status is set to codes.Error.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer, for testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, cmd *Command, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "aura.command.execute",
			trace.WithAttributes(
				attribute.String("aura.command.op", cmd.Op),
				attribute.String("aura.command.frame_id", cmd.FrameID),
				attribute.String("aura.worker_id", cmd.WorkerID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return result, err
	}
}
