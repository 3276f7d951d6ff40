// Package lock serializes work on a shared key. Single-node deployments use
// MemoryLocker; deployments with several server instances share a RedisLocker.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrNotAcquired is returned by WithLock when the lock stayed busy for every attempt.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires and releases expiring locks.
type Locker interface {
	// Acquire takes the lock if it is free and returns the token identifying
	// this hold. The lock expires after ttl even if it is never released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release frees the hold identified by token. It reports false when that
	// hold is gone, including when it expired and was taken by someone else;
	// the new holder's lock is left in place.
	Release(ctx context.Context, key, token string) (bool, error)
}

// Options controls how WithLock waits for a busy lock.
type Options struct {
	TTL        time.Duration
	MaxRetries uint64
	RetryDelay time.Duration
}

// DefaultOptions suits short critical sections such as a credential check.
func DefaultOptions() Options {
	return Options{
		TTL:        5 * time.Second,
		MaxRetries: 20,
		RetryDelay: 25 * time.Millisecond,
	}
}

// WithLock runs fn while holding key.
func WithLock(ctx context.Context, l Locker, key string, opts Options, fn func(ctx context.Context) error) error {
	var token string
	backoff := retry.WithMaxRetries(opts.MaxRetries, retry.NewConstant(opts.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, acquired, err := l.Acquire(ctx, key, opts.TTL)
		if err != nil {
			return err
		}
		if !acquired {
			return retry.RetryableError(ErrNotAcquired)
		}
		token = t
		return nil
	})
	if err != nil {
		return err
	}

	defer func() {
		// Release even when ctx was cancelled inside fn.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_, _ = l.Release(releaseCtx, key, token)
	}()
	return fn(ctx)
}

// Keys provides lock key generation for common scenarios.
var Keys = lockKeys{}

type lockKeys struct{}

// Account returns the lock key guarding credential checks on one account.
// Usernames compare case-insensitively, so the key is lower-cased.
func (lockKeys) Account(tenant, username string) string {
	return "lock:account:" + strings.ToLower(tenant) + ":" + strings.ToLower(username)
}
