package lock

import (
	"context"
	"time"
)

// NoOpLocker grants every lock. AccountService uses it unless configured
// otherwise; the repository version check still catches concurrent writers.
type NoOpLocker struct{}

// NewNoOpLocker creates a NoOpLocker.
func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

// Acquire succeeds unless ctx is done.
func (NoOpLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return "noop", true, nil
}

// Release succeeds unless ctx is done.
func (NoOpLocker) Release(ctx context.Context, _, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, nil
}

var _ Locker = NoOpLocker{}
