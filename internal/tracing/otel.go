package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by every realty span.
const (
	AttrRequestID  = attribute.Key("realty.request_id")
	AttrSessionKey = attribute.Key("realty.session_key")
	AttrCategory   = attribute.Key("realty.category")
	AttrAgent      = attribute.Key("realty.agent")
	AttrProvider   = attribute.Key("realty.provider")
	AttrLane       = attribute.Key("realty.lane")
)

var (
	tracerMu sync.Mutex
	tracerTP *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the global tracer provider for serviceName,
// sampling root spans at sampleRatio. Ratios outside (0,1] sample everything.
// Later calls are no-ops until ShutdownOpenTelemetry runs.
func InitOpenTelemetry(serviceName string, sampleRatio float64) error {
	tracerMu.Lock()
	defer tracerMu.Unlock()

	if tracerTP != nil {
		return nil
	}
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return err
	}

	tracerTP = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerTP)
	return nil
}

// ShutdownOpenTelemetry flushes pending spans and releases the provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	tracerMu.Lock()
	tp := tracerTP
	tracerTP = nil
	tracerMu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the request fields already in ctx.
// The span's trace id becomes the context trace id when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName,
		trace.WithAttributes(append(contextAttributes(ctx), attrs...)...),
	)

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

func contextAttributes(ctx context.Context) []attribute.KeyValue {
	tc := FromContext(ctx)
	var attrs []attribute.KeyValue
	if tc.RequestID != "" {
		attrs = append(attrs, AttrRequestID.String(tc.RequestID))
	}
	if tc.SessionKey != "" {
		attrs = append(attrs, AttrSessionKey.String(tc.SessionKey))
	}
	if tc.Category != "" {
		attrs = append(attrs, AttrCategory.String(tc.Category))
	}
	if tc.Agent != "" {
		attrs = append(attrs, AttrAgent.String(tc.Agent))
	}
	return attrs
}

// RecordError marks the span as failed with err. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
