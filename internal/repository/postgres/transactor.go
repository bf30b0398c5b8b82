package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/TokenAuthService/internal/repository"
)

type Transactor struct {
	db *sql.DB
}

func NewTransactor(db *sql.DB) *Transactor {
	return &Transactor{db: db}
}

func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, q repository.DBTX) error) (err error) {
	dbTx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "WithinTx", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	ctx, runHooks := repository.WithAfterCommit(ctx)

	defer func() {
		if p := recover(); p != nil {
			if rbErr := dbTx.Rollback(); rbErr != nil {
				slog.Error("rollback failed", "method", "WithinTx", "error", rbErr)
			}
			panic(p)
		}
	}()

	if err = fn(ctx, dbTx); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "WithinTx", "error", rbErr)
			return stderrors.Join(fmt.Errorf("rollback failed: %w", rbErr), err)
		}
		return err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "WithinTx", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	runHooks()
	return nil
}
