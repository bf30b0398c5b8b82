package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

func InitLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type requestIDKey struct{}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// WithContext returns the default logger enriched with the request id carried by ctx.
func WithContext(ctx context.Context, attrs ...any) *slog.Logger {
	logger := slog.Default()
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		logger = logger.With("request_id", id)
	}
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return logger
}
