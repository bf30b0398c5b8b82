// Package scheduler runs the periodic blocklist cleanup.
package scheduler

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/honeynil/TokenAuthService/internal/infrastructure/observability"
	"github.com/honeynil/TokenAuthService/internal/repository"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultSchedule   = "@every 1h"
	defaultRetryDelay = 3 * time.Second
)

// Cleaner deletes blocklist entries whose tokens have expired. Triggers that fire
// while a run is still in progress are dropped.
type Cleaner struct {
	tx         repository.Transactor
	blocklist  repository.BlocklistRepository
	now        func() time.Time
	retryDelay time.Duration
	logger     cron.Logger

	cron *cron.Cron
	job  cron.Job
	ctx  context.Context
}

type Option func(*Cleaner)

func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		c.now = now
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Cleaner) {
		c.retryDelay = d
	}
}

func NewCleaner(tx repository.Transactor, blocklist repository.BlocklistRepository, opts ...Option) *Cleaner {
	c := &Cleaner{
		tx:         tx,
		blocklist:  blocklist,
		now:        time.Now,
		retryDelay: defaultRetryDelay,
		logger:     slogCronLogger{},
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.job = cron.NewChain(
		cron.Recover(c.logger),
		cron.SkipIfStillRunning(c.logger),
	).Then(cron.FuncJob(c.run))
	c.cron = cron.New(cron.WithLogger(c.logger))
	return c
}

// RunOnce prunes everything that expired before now in a single unit of work and
// returns how many entries were removed. A transient connection failure is retried
// once.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	tracer := otel.Tracer("blocklist-cleaner")
	ctx, span := tracer.Start(ctx, "PruneBlocklist")
	defer span.End()

	var removed int64
	op := func(ctx context.Context) error {
		return c.tx.WithinTx(ctx, func(ctx context.Context, q repository.DBTX) error {
			n, err := c.blocklist.PruneExpired(ctx, q, c.now().UTC())
			if err != nil {
				return err
			}
			removed = n
			return nil
		})
	}

	err := op(ctx)
	if err != nil && isTransient(err) {
		slog.Warn("blocklist cleanup hit transient DB error, retrying once", "delay", c.retryDelay, "error", err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(c.retryDelay):
			err = op(ctx)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cleanup failed")
		observability.CleanupRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to prune blocklist: %w", err)
	}

	span.SetAttributes(attribute.Int64("removed", removed))
	observability.CleanupRuns.WithLabelValues("success").Inc()
	observability.BlocklistPruned.Add(float64(removed))
	return removed, nil
}

func (c *Cleaner) run() {
	removed, err := c.RunOnce(c.ctx)
	if err != nil {
		slog.Error("scheduled blocklist cleanup failed", "error", err)
		return
	}
	slog.Info("blocklist cleanup completed", "removed", removed)
}

// Job is the cron job as scheduled, including the overlap guard.
func (c *Cleaner) Job() cron.Job {
	return c.job
}

// Start schedules the job. ctx is handed to every run.
func (c *Cleaner) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := c.cron.AddJob(schedule, c.job); err != nil {
		return fmt.Errorf("failed to schedule blocklist cleanup %q: %w", schedule, err)
	}
	c.ctx = ctx
	c.cron.Start()
	slog.Info("blocklist cleanup scheduled", "schedule", schedule)
	return nil
}

// Stop halts the scheduler. The returned context is done once a running job finishes.
func (c *Cleaner) Stop() context.Context {
	return c.cron.Stop()
}

func isTransient(err error) bool {
	return stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, io.EOF)
}

type slogCronLogger struct{}

func (slogCronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
