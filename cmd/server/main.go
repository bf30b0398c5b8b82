package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/TokenAuthService/internal/api"
	"github.com/honeynil/TokenAuthService/internal/config"
	"github.com/honeynil/TokenAuthService/internal/handler"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/auth"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/kafka"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/password"
	"github.com/honeynil/TokenAuthService/internal/infrastructure/redis"
	"github.com/honeynil/TokenAuthService/internal/observability"
	"github.com/honeynil/TokenAuthService/internal/repository"
	"github.com/honeynil/TokenAuthService/internal/repository/cached"
	core "github.com/honeynil/TokenAuthService/internal/repository/postgres"
	"github.com/honeynil/TokenAuthService/internal/scheduler"
	service "github.com/honeynil/TokenAuthService/internal/services"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to an optional .env file")
	pflag.Parse()

	if err := run(*envFile); err != nil {
		slog.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Logs, metrics, traces
	shutdownObservability, err := observability.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownObservability(sctx); err != nil {
			slog.Error("failed to shut down observability", "error", err)
		}
	}()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.RunMigrations {
		if err := core.RunMigrations(ctx, db, core.DefaultMigrationConfig()); err != nil {
			return err
		}
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer producer.Close()
	audit := kafka.NewAuditPublisher(producer, cfg.KafkaAuditTopic)

	var blocklist repository.BlocklistRepository = core.NewPostgresBlocklistRepository()
	if cfg.RevocationCaching {
		redisClient, err := redis.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Warn("revocation cache disabled", "error", err)
		} else {
			defer redisClient.Close()
			cache := redis.NewRevocationCache(redisClient)
			blocklist = cached.NewBlocklist(blocklist, cache)

			consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaAuditTopic, cfg.KafkaGroupID, cache)
			go consumer.Consume(ctx)
			defer consumer.Close()
		}
	}

	codec, err := auth.NewCodec(auth.CodecConfig{
		Secret:    []byte(cfg.TokenKey),
		Algorithm: cfg.EncryptionAlgorithm,
	})
	if err != nil {
		return err
	}
	hasher, err := password.NewMulti(cfg.PasswordScheme)
	if err != nil {
		return err
	}

	tx := core.NewTransactor(db)
	users := core.NewPostgresUserRepository(db)
	tokens := service.NewTokenService(codec, blocklist, audit, service.TokenServiceConfig{
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	authService := service.NewAuthService(users, hasher, tokens, audit)
	broker := service.NewBrokerAuthorizer(authService, users)

	cleaner := scheduler.NewCleaner(tx, blocklist)
	if cfg.CleanupOnStartup {
		if removed, err := cleaner.RunOnce(ctx); err != nil {
			slog.Error("startup blocklist cleanup failed", "error", err)
		} else {
			slog.Info("startup blocklist cleanup completed", "removed", removed)
		}
	}
	if err := cleaner.Start(ctx, cfg.CleanupSchedule); err != nil {
		return err
	}

	h := handler.NewHandler(tokens, authService, broker, tx, db)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.SetupRouter(h, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		<-cleaner.Stop().Done()
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	select {
	case <-cleaner.Stop().Done():
	case <-shutdownCtx.Done():
		slog.Warn("blocklist cleanup still running at shutdown")
	}
	slog.Info("server stopped")
	return nil
}
