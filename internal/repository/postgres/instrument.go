package repository

import (
	"context"
	"time"

	"github.com/honeynil/TokenAuthService/internal/infrastructure/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startCall opens a span for a repository method. The returned finish func records
// the outcome in the span and in the repository metrics; pass it the method's error.
func startCall(ctx context.Context, tracerName, method string) (context.Context, trace.Span, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method)
	start := time.Now()
	return ctx, span, func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}
