package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudchacho/taskrunner-go"
)

const (
	tracerName = "github.com/cloudchacho/taskrunner-go/otel"
)

type Instrumenter struct {
	tp   trace.TracerProvider
	prop propagation.TextMapPropagator
}

var _ = taskrunner.Instrumenter(&Instrumenter{})

// OnDispatch starts a producer span for a requeue or an RPC reply and injects it into the attributes
func (o *Instrumenter) OnDispatch(ctx context.Context, queueName string, attributes map[string]string) (context.Context, map[string]string, func()) {
	name := fmt.Sprintf("publish/%s", queueName)
	ctx, span := o.tp.Tracer(tracerName).Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination", queueName)),
	)

	carrier := propagation.MapCarrier(attributes)
	o.prop.Inject(ctx, carrier)

	return ctx, carrier, func() { span.End() }
}

// OnReceive continues the publisher's trace, if any, in a new consumer span
func (o *Instrumenter) OnReceive(ctx context.Context, attributes map[string]string) (context.Context, func()) {
	ctx = o.prop.Extract(ctx, propagation.MapCarrier(attributes))

	name := "message_received"
	ctx, span := o.tp.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindConsumer))

	return ctx, func() { span.End() }
}

func NewInstrumenter(tracerProvider trace.TracerProvider, propagator propagation.TextMapPropagator) *Instrumenter {
	return &Instrumenter{tp: tracerProvider, prop: propagator}
}
