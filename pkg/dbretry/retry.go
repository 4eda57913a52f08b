// Package dbretry wraps database calls with exponential backoff for the
// transient errors a relational store can throw under contention: lock
// timeouts, deadlocks, serialization failures, and connection blips.
package dbretry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const (
	DefaultMaxRetries  = 5
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	exponentialBase    = 2.0
)

// ErrRetryableExhausted is the distinguished error the HTTP surface maps to
// a 503 with Retry-After: 1, per the persistent-store retry contract.
var ErrRetryableExhausted = errors.New("database operation failed after retries exhausted")

var retryablePatterns = []string{
	"deadlock detected",
	"could not serialize access",
	"could not obtain lock",
	"connection refused",
	"connection reset",
	"server closed the connection unexpectedly",
	"canceling statement due to lock timeout",
	"lock timeout",
	"too many connections",
	"database is locked",
	"sqlite_busy",
	"sqlite_locked",
}

// pgRetryableSQLStates are the Postgres SQLSTATE codes treated as
// transient: 40P01 deadlock_detected, 40001 serialization_failure,
// 08xxx connection exceptions.
var pgRetryableSQLStates = map[string]bool{
	"40P01": true,
	"40001": true,
	"08000": true,
	"08003": true,
	"08006": true,
	"08001": true,
	"08004": true,
}

// sqlStater is implemented by lib/pq.Error and jackc/pgconn.PgError; kept as
// a narrow interface so this package never imports either driver directly.
type sqlStater interface {
	SQLState() string
}

// IsRetryable reports whether err is a transient database error worth
// retrying, matching on SQLSTATE when available and falling back to
// substring matching on the error text otherwise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var stater sqlStater
	if errors.As(err, &stater) {
		if pgRetryableSQLStates[stater.SQLState()] {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}

// Options configures a retry call; zero value uses the package defaults.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

// Do executes fn, retrying transient errors with exponential backoff and
// +/-25% jitter. Non-retryable errors are returned immediately unwrapped.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxRetries {
			break
		}

		delay := backoffDelay(opts, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w: %v", ErrRetryableExhausted, lastErr)
}

func backoffDelay(opts Options, attempt int) time.Duration {
	raw := float64(opts.BaseDelay) * pow(exponentialBase, attempt)
	if raw > float64(opts.MaxDelay) {
		raw = float64(opts.MaxDelay)
	}
	jitter := raw * 0.25 * (2*rand.Float64() - 1)
	delay := raw + jitter
	if delay < float64(10*time.Millisecond) {
		delay = float64(10 * time.Millisecond)
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
