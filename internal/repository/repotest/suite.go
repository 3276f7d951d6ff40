// Package repotest holds behaviour tests shared by every AccountRepository backend.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/pkg/crypto"
	"github.com/prn-tf/membership/internal/repository"
)

// Backend is a fresh, empty store.
type Backend struct {
	Accounts repository.AccountRepository
	Tx       repository.TxManager
}

// Epoch is the fake clock start used for accounts built by the suite.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// NewEnv returns an Env with a real crypto provider and a fake clock.
func NewEnv() domain.Env {
	return domain.NewEnv(crypto.NewProvider(bcrypt.MinCost), clockwork.NewFakeClockAt(Epoch), 24*time.Hour)
}

// NewAccount builds an account for tests.
func NewAccount(t *testing.T, env domain.Env, tenant, username, email string, requireVerification bool) *domain.Account {
	t.Helper()
	a, err := domain.NewAccount(env, tenant, username, "P@ssw0rd", email, requireVerification, true)
	require.NoError(t, err)
	return a
}

// Run executes the shared suite. newBackend is called once per subtest.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()
	env := NewEnv()

	t.Run("add and find round trip", func(t *testing.T) {
		b := newBackend(t)
		a := NewAccount(t, env, "t1", "alice", "alice@example.com", true)
		require.NoError(t, a.AddClaim("role", "admin"))
		require.NoError(t, a.AddClaim("role", "user"))
		lastFailed := Epoch.Add(-time.Minute)
		a.LastFailedLoginAt = &lastFailed
		a.FailedLoginCount = 2

		require.NoError(t, b.Accounts.Add(ctx, a))
		assert.Equal(t, int64(1), a.Version)

		got, err := b.Accounts.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assertSameAccount(t, a, got)

		got, err = b.Accounts.FindByUsername(ctx, "t1", "ALICE")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)

		got, err = b.Accounts.FindByEmail(ctx, "t1", "Alice@Example.com")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)

		got, err = b.Accounts.FindByVerificationKey(ctx, a.VerificationKey())
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		b := newBackend(t)
		a := NewAccount(t, env, "t1", "alice", "alice@example.com", false)
		require.NoError(t, b.Accounts.Add(ctx, a))

		_, err := b.Accounts.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = b.Accounts.FindByUsername(ctx, "t2", "alice")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = b.Accounts.FindByEmail(ctx, "t1", "bob@example.com")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = b.Accounts.FindByVerificationKey(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("find all is tenant scoped", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Accounts.Add(ctx, NewAccount(t, env, "t1", "alice", "a@example.com", false)))
		require.NoError(t, b.Accounts.Add(ctx, NewAccount(t, env, "t1", "bob", "b@example.com", false)))
		require.NoError(t, b.Accounts.Add(ctx, NewAccount(t, env, "t2", "carol", "c@example.com", false)))

		all, err := b.Accounts.FindAll(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		none, err := b.Accounts.FindAll(ctx, "t3")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("exists", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Accounts.Add(ctx, NewAccount(t, env, "t1", "alice", "a@example.com", false)))

		ok, err := b.Accounts.ExistsByUsername(ctx, "t1", "Alice")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Accounts.ExistsByUsername(ctx, "t2", "alice")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.Accounts.ExistsByUsername(ctx, "", "alice")
		require.NoError(t, err)
		assert.True(t, ok, "empty tenant searches every tenant")

		ok, err = b.Accounts.ExistsByEmail(ctx, "t1", "A@EXAMPLE.COM")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.Accounts.ExistsByEmail(ctx, "t2", "a@example.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("duplicate username in tenant conflicts", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Accounts.Add(ctx, NewAccount(t, env, "t1", "alice", "a@example.com", false)))

		err := b.Accounts.Add(ctx, NewAccount(t, env, "t1", "alice", "other@example.com", false))
		assert.ErrorIs(t, err, repository.ErrConflict)
	})

	t.Run("multiple email matches are an invariant violation", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Accounts.Add(ctx, NewAccount(t, env, "t1", "alice", "shared@example.com", false)))
		require.NoError(t, b.Accounts.Add(ctx, NewAccount(t, env, "t1", "bob", "shared@example.com", false)))

		_, err := b.Accounts.FindByEmail(ctx, "t1", "shared@example.com")
		assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	})

	t.Run("update persists changes and bumps version", func(t *testing.T) {
		b := newBackend(t)
		a := NewAccount(t, env, "t1", "alice", "a@example.com", true)
		require.NoError(t, b.Accounts.Add(ctx, a))

		require.True(t, a.VerifyAccount(a.VerificationKey()))
		require.NoError(t, a.RemoveClaim("none"))
		require.NoError(t, a.AddClaim("dept", "eng"))
		require.NoError(t, b.Accounts.Update(ctx, a))
		assert.Equal(t, int64(2), a.Version)

		got, err := b.Accounts.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assertSameAccount(t, a, got)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		b := newBackend(t)
		a := NewAccount(t, env, "t1", "alice", "a@example.com", false)
		require.NoError(t, b.Accounts.Add(ctx, a))

		first, err := b.Accounts.FindByID(ctx, a.ID)
		require.NoError(t, err)
		second, err := b.Accounts.FindByID(ctx, a.ID)
		require.NoError(t, err)

		first.FailedLoginCount = 1
		require.NoError(t, b.Accounts.Update(ctx, first))

		second.FailedLoginCount = 5
		err = b.Accounts.Update(ctx, second)
		assert.ErrorIs(t, err, repository.ErrConflict)

		got, err := b.Accounts.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailedLoginCount)
	})

	t.Run("remove", func(t *testing.T) {
		b := newBackend(t)
		a := NewAccount(t, env, "t1", "alice", "a@example.com", false)
		require.NoError(t, a.AddClaim("role", "admin"))
		require.NoError(t, b.Accounts.Add(ctx, a))

		require.NoError(t, b.Accounts.Remove(ctx, a))
		_, err := b.Accounts.FindByID(ctx, a.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)

		assert.ErrorIs(t, b.Accounts.Remove(ctx, a), repository.ErrNotFound)
	})

	t.Run("transaction rollback discards writes", func(t *testing.T) {
		b := newBackend(t)
		a := NewAccount(t, env, "t1", "alice", "a@example.com", false)
		boom := errors.New("boom")

		err := b.Tx.WithTx(ctx, func(ctx context.Context) error {
			if err := b.Accounts.Add(ctx, a); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = b.Accounts.FindByID(ctx, a.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("transaction commit keeps writes", func(t *testing.T) {
		b := newBackend(t)
		a := NewAccount(t, env, "t1", "alice", "a@example.com", false)

		err := b.Tx.WithTx(ctx, func(ctx context.Context) error {
			if err := b.Accounts.Add(ctx, a); err != nil {
				return err
			}
			a.FailedLoginCount = 3
			return b.Accounts.Update(ctx, a)
		})
		require.NoError(t, err)

		got, err := b.Accounts.FindByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.FailedLoginCount)
	})
}

func assertSameAccount(t *testing.T, want, got *domain.Account) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Tenant, got.Tenant)
	assert.Equal(t, want.Username, got.Username)
	assert.Equal(t, want.Email, got.Email)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.HashedPassword, got.HashedPassword)
	assert.True(t, want.PasswordChangedAt.Equal(got.PasswordChangedAt))
	assert.Equal(t, want.IsAccountVerified, got.IsAccountVerified)
	assert.Equal(t, want.IsLoginAllowed, got.IsLoginAllowed)
	assert.Equal(t, want.IsAccountClosed, got.IsAccountClosed)
	assertSameTime(t, want.LastLoginAt, got.LastLoginAt)
	assertSameTime(t, want.LastFailedLoginAt, got.LastFailedLoginAt)
	assert.Equal(t, want.FailedLoginCount, got.FailedLoginCount)
	assert.Equal(t, want.Version, got.Version)
	assert.ElementsMatch(t, want.Claims.List(), got.Claims.List())

	if want.Pending == nil {
		assert.Nil(t, got.Pending)
		return
	}
	require.NotNil(t, got.Pending)
	assert.Equal(t, want.Pending.Kind, got.Pending.Kind)
	assert.Equal(t, want.Pending.Token, got.Pending.Token)
	assert.Equal(t, want.Pending.EmailProof, got.Pending.EmailProof)
	assert.True(t, want.Pending.IssuedAt.Equal(got.Pending.IssuedAt))
}

func assertSameTime(t *testing.T, want, got *time.Time) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, got)
}
