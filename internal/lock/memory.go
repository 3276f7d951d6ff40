package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// sweepThreshold is the map size above which Acquire drops expired entries.
const sweepThreshold = 1024

type memoryHold struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker implements Locker with in-process locks.
// The locks are NOT shared across process restarts or multiple instances.
type MemoryLocker struct {
	clock clockwork.Clock

	mu    sync.Mutex
	locks map[string]memoryHold
}

// NewMemoryLocker creates an in-memory locker. A nil clock means the real clock.
func NewMemoryLocker(clock clockwork.Clock) *MemoryLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLocker{
		clock: clock,
		locks: make(map[string]memoryHold),
	}
}

// Acquire attempts to acquire a lock.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if h, held := m.locks[key]; held && now.Before(h.expiresAt) {
		return "", false, nil
	}
	if len(m.locks) > sweepThreshold {
		m.sweep(now)
	}
	token := uuid.NewString()
	m.locks[key] = memoryHold{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Release releases the hold identified by token.
func (m *MemoryLocker) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, held := m.locks[key]
	if !held || h.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return m.clock.Now().Before(h.expiresAt), nil
}

func (m *MemoryLocker) sweep(now time.Time) {
	for key, h := range m.locks {
		if !now.Before(h.expiresAt) {
			delete(m.locks, key)
		}
	}
}

// Ensure MemoryLocker implements Locker.
var _ Locker = (*MemoryLocker)(nil)
