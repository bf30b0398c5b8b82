package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	TokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_verifications_total",
			Help: "Token verifications by expected type and result",
		},
		[]string{"type", "result"},
	)

	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Tokens issued by type",
		},
		[]string{"type"},
	)

	TokensRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_revoked_total",
			Help: "Tokens added to the blocklist by type and reason",
		},
		[]string{"type", "reason"},
	)

	BlocklistPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blocklist_pruned_total",
			Help: "Expired blocklist entries removed by the cleanup job",
		},
	)

	CleanupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blocklist_cleanup_runs_total",
			Help: "Cleanup job runs by status",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		TokenVerifications,
		TokensIssued,
		TokensRevoked,
		BlocklistPruned,
		CleanupRuns,
	)
}

// ServeMetrics exposes /metrics on its own listener. The returned func shuts it down.
func ServeMetrics(addr string) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("starting metrics server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return server.Shutdown
}
