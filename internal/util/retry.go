// Package util provides shared helpers for cloudcache.
package util

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// ErrLockBusy reports an advisory file lock held by another process.
var ErrLockBusy = errors.New("lock held by another process")

// DatabaseRetryOptions retries SQLITE_BUSY and "database is locked" with
// short backoff (100ms, 200ms, 300ms). Several CLI processes may share one
// cache database.
func DatabaseRetryOptions() []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.LastErrorOnly(true),
	}
}

// LockRetryOptions bounds the wait for a file lock to roughly 3s.
func LockRetryOptions() []retry.Option {
	return []retry.Option{
		retry.Attempts(20),
		retry.Delay(25 * time.Millisecond),
		retry.MaxDelay(250 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrLockBusy) }),
		retry.LastErrorOnly(true),
	}
}

// Retry runs fn under opts until it succeeds, opts give up, or ctx is done.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	return retry.Do(fn, append(opts, retry.Context(ctx))...)
}

// RetryWithResult is Retry for functions that return a value.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	return retry.DoWithData(fn, append(opts, retry.Context(ctx))...)
}

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
