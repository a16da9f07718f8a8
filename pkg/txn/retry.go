package txn

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Policy bounds how transient store errors are retried.
type Policy struct {
	MaxAttempts  int           // total attempts including the first (default 5)
	InitialDelay time.Duration // first backoff (default 50ms), doubled each attempt
	Jitter       float64       // extra random delay as a fraction of the backoff (default 0.25)
}

// DefaultPolicy returns the store's retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Jitter: 0.25}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("store still busy after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry runs fn, retrying transient errors with exponential backoff plus
// jitter. Non-transient errors, constraint violations included, are returned
// after the first attempt.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var (
		zero      T
		attempts  int
		permanent error
		lastErr   error
	)

	r := retry.New[T](retry.Config{
		MaxAttempts:   p.MaxAttempts,
		InitialDelay:  p.InitialDelay,
		BackoffPolicy: retry.BackoffExponential,
	})

	value, err := r.Do(ctx, func(ctx context.Context) (T, error) {
		attempts++
		if attempts > 1 && p.Jitter > 0 {
			if err := sleepJitter(ctx, p, attempts); err != nil {
				return zero, err
			}
		}
		v, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			// Stop the retryer; the real error is returned below.
			permanent = err
			return zero, nil
		}
		lastErr = err
		return v, err
	})

	switch {
	case permanent != nil:
		return zero, permanent
	case err == nil:
		return value, nil
	case ctx.Err() != nil:
		return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
	case lastErr != nil && IsTransient(lastErr):
		return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
	default:
		return zero, err
	}
}

// sleepJitter waits a random slice of the current backoff step.
func sleepJitter(ctx context.Context, p Policy, attempt int) error {
	step := p.InitialDelay << (attempt - 2)
	maxJitter := time.Duration(float64(step) * p.Jitter)
	if maxJitter <= 0 {
		return nil
	}
	t := time.NewTimer(rand.N(maxJitter)) //nolint:gosec // jitter does not need crypto randomness
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTransient reports whether err is SQLite contention (BUSY or LOCKED) that
// may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "constraint failed")
}
