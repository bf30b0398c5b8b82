package repository

import (
	"context"
	"database/sql"
	"sync"
)

// DBTX is the unit-of-work handle passed into store operations. Both *sql.DB and
// *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Transactor opens a unit of work, runs fn inside it, and commits or rolls back on
// every exit path.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error
}

type afterCommitKey struct{}

type afterCommitHooks struct {
	mu  sync.Mutex
	fns []func()
}

// WithAfterCommit returns a context that collects AfterCommit callbacks, and a function
// that runs them. Transactor implementations call run only after a successful commit.
func WithAfterCommit(ctx context.Context) (context.Context, func()) {
	hooks := &afterCommitHooks{}
	return context.WithValue(ctx, afterCommitKey{}, hooks), func() {
		hooks.mu.Lock()
		fns := hooks.fns
		hooks.fns = nil
		hooks.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

// AfterCommit defers fn until the enclosing unit of work commits. Outside a unit of
// work fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	hooks, ok := ctx.Value(afterCommitKey{}).(*afterCommitHooks)
	if !ok {
		fn()
		return
	}
	hooks.mu.Lock()
	hooks.fns = append(hooks.fns, fn)
	hooks.mu.Unlock()
}
