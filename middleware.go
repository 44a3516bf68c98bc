package pubsub

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware decorates a listener's handler.
type Middleware func(next HandlerFunc) HandlerFunc

// Wrap returns a listener with l's binding whose Handle runs through mws,
// the first one outermost. Subscribe and Unsubscribe with the returned
// listener, not with l.
func Wrap(l Listener, mws ...Middleware) Listener {
	h := HandlerFunc(l.Handle)
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return &funcListener{name: l.EventName(), version: l.Version(), fn: h}
}

// TraceMiddleware opens a consumer span around every Handle call.
func TraceMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/rbaliyan/pubsub")
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg Message) error {
			ctx, span := tracer.Start(ctx, "pubsub.handle "+msg.EventName(),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("pubsub.event", msg.EventName()),
					attribute.String("pubsub.msg_id", msg.ID()),
					attribute.String("pubsub.version", msg.Version().String()),
					attribute.Int("pubsub.attempt", msg.Attempt()),
					attribute.String("pubsub.adapter", ContextAdapter(ctx)),
				))
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}
