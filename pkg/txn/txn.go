// Package txn runs units of store work inside BEGIN/COMMIT/ROLLBACK and
// retries transient SQLite contention errors with backoff.
package txn

import (
	"context"
	"database/sql"
	"fmt"
)

// Mode selects the BEGIN variant.
type Mode string

// Transaction modes.
const (
	Deferred  Mode = "DEFERRED"
	Exclusive Mode = "EXCLUSIVE"
)

// Executor runs a statement. *sql.Conn satisfies it; a pooled *sql.DB does
// too, but BEGIN and COMMIT would then be free to land on different
// connections, so callers pin a *sql.Conn.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Options configures WithTransaction.
type Options struct {
	Mode Mode // default Deferred
}

// Result reports how a transaction ended. Committed and RolledBack are never
// both true.
type Result[T any] struct {
	Committed  bool
	RolledBack bool
	Value      T
	Err        error
}

// WithTransaction issues BEGIN in the requested mode, runs body, and then
// issues exactly one of COMMIT (body returned nil) or ROLLBACK (body returned
// an error or panicked). If COMMIT itself fails, ROLLBACK is issued so the
// connection is not left inside a transaction, and the result reports a
// rollback carrying the commit error. If BEGIN fails neither is issued and
// only Err is set.
func WithTransaction[T any](ctx context.Context, exec Executor, body func(ctx context.Context) (T, error), opts Options) Result[T] {
	mode := opts.Mode
	if mode == "" {
		mode = Deferred
	}

	if _, err := exec.ExecContext(ctx, "BEGIN "+string(mode)); err != nil {
		return Result[T]{Err: fmt.Errorf("begin %s: %w", mode, err)}
	}

	value, bodyErr := runBody(ctx, body)
	if bodyErr != nil {
		return rollback[T](ctx, exec, bodyErr)
	}

	if _, err := exec.ExecContext(ctx, "COMMIT"); err != nil {
		return rollback[T](ctx, exec, fmt.Errorf("commit: %w", err))
	}
	return Result[T]{Committed: true, Value: value}
}

// runBody converts a panic in body into an error so the caller still rolls back.
func runBody[T any](ctx context.Context, body func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction body panicked: %v", r)
		}
	}()
	return body(ctx)
}

func rollback[T any](ctx context.Context, exec Executor, cause error) Result[T] {
	// Roll back even if ctx was cancelled mid-body.
	if _, err := exec.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		cause = fmt.Errorf("%w (rollback failed: %v)", cause, err)
	}
	return Result[T]{RolledBack: true, Err: cause}
}

// Unwrap returns the value and error in the usual Go shape.
func (r Result[T]) Unwrap() (T, error) {
	return r.Value, r.Err
}
