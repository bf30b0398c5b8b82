package observability

import (
	"context"
	stderrors "errors"

	"github.com/honeynil/TokenAuthService/internal/config"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/observability"
)

// Setup initializes logs, metrics and traces. The returned func flushes traces and
// stops the metrics listener.
func Setup(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	observability.InitLogger(cfg.LogLevel)
	observability.InitMetrics()

	tracerShutdown, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr == "" {
		return tracerShutdown, nil
	}
	metricsShutdown := observability.ServeMetrics(cfg.MetricsAddr)

	return func(ctx context.Context) error {
		return stderrors.Join(tracerShutdown(ctx), metricsShutdown(ctx))
	}, nil
}
