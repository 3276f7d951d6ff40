package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCrypto is a deterministic CryptoProvider for tests.
type fakeCrypto struct {
	salts []string
	n     int
	hash  string
}

func (f *fakeCrypto) GenerateSalt() (string, error) {
	f.n++
	if f.n <= len(f.salts) {
		return f.salts[f.n-1], nil
	}
	return fmt.Sprintf("salt+%d=", f.n), nil
}

func (f *fakeCrypto) HashPassword(password string) (string, error) {
	return "hashed:" + password, nil
}

func (f *fakeCrypto) VerifyHashedPassword(hashedPassword, password string) bool {
	return hashedPassword == "hashed:"+password
}

func (f *fakeCrypto) Hash(value string) string {
	if f.hash != "" {
		return f.hash
	}
	return "h/" + value
}

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testLifetime = 24 * time.Hour

func newTestEnv() (Env, *clockwork.FakeClock, *fakeCrypto) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	crypto := &fakeCrypto{}
	return NewEnv(crypto, clock, testLifetime), clock, crypto
}

func newVerifiedAccount(t *testing.T, env Env) *Account {
	t.Helper()
	a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", false, true)
	require.NoError(t, err)
	return a
}

func TestNewAccount(t *testing.T) {
	t.Run("verification required issues key", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", true, true)
		require.NoError(t, err)

		assert.False(t, a.IsAccountVerified)
		require.NotNil(t, a.Pending)
		assert.Equal(t, PendingVerifyAccount, a.Pending.Kind)
		assert.Equal(t, "salt1", a.Pending.Token, "key must be stripped of + / =")
		assert.Equal(t, testEpoch, a.Pending.IssuedAt)
		assert.Equal(t, testEpoch, a.CreatedAt)
		assert.Equal(t, testEpoch, a.PasswordChangedAt)
		assert.Equal(t, "hashed:p1", a.HashedPassword)
		assert.Equal(t, StateUnverified, a.State())
	})

	t.Run("no verification starts verified", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", false, false)
		require.NoError(t, err)

		assert.True(t, a.IsAccountVerified)
		assert.Nil(t, a.Pending)
		assert.False(t, a.IsLoginAllowed)
		assert.Equal(t, StateLoginDisabled, a.State())
	})

	tests := []struct {
		name     string
		tenant   string
		username string
		password string
		email    string
	}{
		{name: "empty tenant", tenant: "", username: "u", password: "p", email: "e@x.com"},
		{name: "blank username", tenant: "t", username: "  ", password: "p", email: "e@x.com"},
		{name: "empty password", tenant: "t", username: "u", password: "", email: "e@x.com"},
		{name: "blank email", tenant: "t", username: "u", password: "p", email: "\t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _, _ := newTestEnv()
			_, err := NewAccount(env, tt.tenant, tt.username, tt.password, tt.email, true, true)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	t.Run("unbound env", func(t *testing.T) {
		_, err := NewAccount(Env{}, "t", "u", "p", "e@x.com", true, true)
		require.ErrorIs(t, err, ErrAccountUnbound)
	})
}

func TestAccount_VerifyAccount(t *testing.T) {
	env, _, _ := newTestEnv()

	t.Run("consumes key once", func(t *testing.T) {
		a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", true, true)
		require.NoError(t, err)
		key := a.VerificationKey()

		assert.True(t, a.VerifyAccount(key))
		assert.True(t, a.IsAccountVerified)
		assert.Nil(t, a.Pending)
		assert.False(t, a.VerifyAccount(key))
	})

	t.Run("mismatch leaves state unchanged", func(t *testing.T) {
		a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", true, true)
		require.NoError(t, err)
		before := *a.Pending

		assert.False(t, a.VerifyAccount("wrong"))
		assert.False(t, a.VerifyAccount(""))
		assert.False(t, a.IsAccountVerified)
		require.NotNil(t, a.Pending)
		assert.Equal(t, before, *a.Pending)
	})

	t.Run("already verified never mutates key", func(t *testing.T) {
		a := newVerifiedAccount(t, env)
		ok, err := a.ResetPassword()
		require.NoError(t, err)
		require.True(t, ok)
		key := a.VerificationKey()

		assert.False(t, a.VerifyAccount(key))
		assert.Equal(t, key, a.VerificationKey())
	})
}

func TestAccount_SetPassword(t *testing.T) {
	env, clock, _ := newTestEnv()
	a := newVerifiedAccount(t, env)

	err := a.SetPassword("")
	require.ErrorIs(t, err, ErrValidation)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "Invalid password.", vErr.Message)

	err = a.SetPassword("   ")
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "hashed:p1", a.HashedPassword)

	clock.Advance(time.Hour)
	require.NoError(t, a.SetPassword("p2"))
	assert.Equal(t, "hashed:p2", a.HashedPassword)
	assert.Equal(t, testEpoch.Add(time.Hour), a.PasswordChangedAt)
}

func TestAccount_Authenticate(t *testing.T) {
	const window = 5 * time.Minute

	t.Run("success resets counter", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)
		a.FailedLoginCount = 2

		ok, err := a.Authenticate("p1", 10, window)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, a.FailedLoginCount)
		require.NotNil(t, a.LastLoginAt)
		assert.Equal(t, testEpoch, *a.LastLoginAt)
	})

	t.Run("failure increments from zero", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		ok, err := a.Authenticate("bad", 10, window)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, a.FailedLoginCount)
		require.NotNil(t, a.LastFailedLoginAt)
		assert.Equal(t, testEpoch, *a.LastFailedLoginAt)
	})

	t.Run("whitespace password leaves counters alone", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		ok, err := a.Authenticate("   ", 10, window)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, a.FailedLoginCount)
		assert.Nil(t, a.LastFailedLoginAt)
	})

	t.Run("non-positive threshold is a contract violation", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		for _, threshold := range []int{0, -1} {
			_, err := a.Authenticate("p1", threshold, window)
			require.ErrorIs(t, err, ErrInvalidArgument)
		}
	})

	t.Run("fail fast without counting", func(t *testing.T) {
		env, _, _ := newTestEnv()

		unverified, err := NewAccount(env, "t", "bob", "p1", "b@x.com", true, true)
		require.NoError(t, err)
		disabled, err := NewAccount(env, "t", "carol", "p1", "c@x.com", false, false)
		require.NoError(t, err)
		active := newVerifiedAccount(t, env)

		cases := []struct {
			name     string
			account  *Account
			password string
		}{
			{"unverified", unverified, "p1"},
			{"login disabled", disabled, "p1"},
			{"empty password", active, ""},
		}
		for _, c := range cases {
			ok, err := c.account.Authenticate(c.password, 10, window)
			require.NoError(t, err, c.name)
			assert.False(t, ok, c.name)
			assert.Equal(t, 0, c.account.FailedLoginCount, c.name)
			assert.Nil(t, c.account.LastFailedLoginAt, c.name)
		}
	})

	t.Run("lockout boundary is inclusive", func(t *testing.T) {
		env, clock, _ := newTestEnv()
		a := newVerifiedAccount(t, env)
		lastFailed := testEpoch
		a.FailedLoginCount = 3
		a.LastFailedLoginAt = &lastFailed

		clock.Advance(window)
		ok, err := a.Authenticate("p1", 3, window)
		require.NoError(t, err)
		assert.False(t, ok, "exactly at the window edge is still locked")
		assert.Equal(t, 4, a.FailedLoginCount)
		assert.Equal(t, testEpoch, *a.LastFailedLoginAt, "lockout does not move the failure time")

		clock.Advance(time.Second)
		ok, err = a.Authenticate("p1", 3, window)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0, a.FailedLoginCount)
	})

	t.Run("closed account never authenticates", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)
		a.Close()

		ok, err := a.Authenticate("p1", 10, window)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, StateClosed, a.State())
	})
}

func TestAccount_ChangePassword(t *testing.T) {
	env, _, _ := newTestEnv()
	a := newVerifiedAccount(t, env)

	ok, err := a.ChangePassword("bad", "p2", 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "hashed:p1", a.HashedPassword)
	assert.Equal(t, 1, a.FailedLoginCount)

	ok, err = a.ChangePassword("p1", "p2", 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hashed:p2", a.HashedPassword)
}

func TestAccount_ResetPassword(t *testing.T) {
	t.Run("unverified fails", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", true, true)
		require.NoError(t, err)
		key := a.VerificationKey()

		ok, err := a.ResetPassword()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, key, a.VerificationKey())
	})

	t.Run("fresh key is kept until stale", func(t *testing.T) {
		env, clock, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		ok, err := a.ResetPassword()
		require.NoError(t, err)
		require.True(t, ok)
		first := a.VerificationKey()

		clock.Advance(testLifetime)
		ok, err = a.ResetPassword()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first, a.VerificationKey(), "a key issued exactly lifetime ago is not stale")

		clock.Advance(time.Second)
		ok, err = a.ResetPassword()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NotEqual(t, first, a.VerificationKey())
		assert.Equal(t, testEpoch.Add(testLifetime+time.Second), a.Pending.IssuedAt)
	})
}

func TestAccount_ChangePasswordFromResetKey(t *testing.T) {
	env, clock, _ := newTestEnv()

	t.Run("success clears key", func(t *testing.T) {
		a := newVerifiedAccount(t, env)
		_, err := a.ResetPassword()
		require.NoError(t, err)

		ok, err := a.ChangePasswordFromResetKey(a.VerificationKey(), "p2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Nil(t, a.Pending)
		assert.Equal(t, "hashed:p2", a.HashedPassword)
	})

	t.Run("rejects mismatch and empty", func(t *testing.T) {
		a := newVerifiedAccount(t, env)
		_, err := a.ResetPassword()
		require.NoError(t, err)

		for _, key := range []string{"", "nope"} {
			ok, err := a.ChangePasswordFromResetKey(key, "p2")
			require.NoError(t, err)
			assert.False(t, ok)
		}
		assert.Equal(t, "hashed:p1", a.HashedPassword)
	})

	t.Run("rejects stale key", func(t *testing.T) {
		a := newVerifiedAccount(t, env)
		_, err := a.ResetPassword()
		require.NoError(t, err)
		key := a.VerificationKey()

		clock.Advance(testLifetime + time.Second)
		ok, err := a.ChangePasswordFromResetKey(key, "p2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects change email key", func(t *testing.T) {
		a := newVerifiedAccount(t, env)
		_, err := a.ChangeEmailRequest("new@x.com")
		require.NoError(t, err)

		ok, err := a.ChangePasswordFromResetKey(a.VerificationKey(), "p2")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAccount_ChangeEmail(t *testing.T) {
	t.Run("key carries the email proof", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(testEpoch)
		crypto := &fakeCrypto{hash: "prefix", salts: []string{"key"}}
		env := NewEnv(crypto, clock, testLifetime)
		a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", false, true)
		require.NoError(t, err)

		ok, err := a.ChangeEmailRequest("new@x.com")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "prefixkey", a.VerificationKey())

		ok, err = a.ChangeEmailFromKey("key", "new@x.com")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = a.ChangeEmailFromKey("prefixkey", "new@x.com")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "new@x.com", a.Email)
		assert.Nil(t, a.Pending)
	})

	t.Run("proof ignores case", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		_, err := a.ChangeEmailRequest("New@X.com")
		require.NoError(t, err)

		ok, err := a.ChangeEmailFromKey(a.VerificationKey(), "new@x.com")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("key for another email is rejected", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		_, err := a.ChangeEmailRequest("one@x.com")
		require.NoError(t, err)

		ok, err := a.ChangeEmailFromKey(a.VerificationKey(), "two@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "a@x.com", a.Email)
	})

	t.Run("reset key is rejected", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		_, err := a.ResetPassword()
		require.NoError(t, err)

		ok, err := a.ChangeEmailFromKey(a.VerificationKey(), "new@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("same email keeps fresh key", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		_, err := a.ChangeEmailRequest("new@x.com")
		require.NoError(t, err)
		first := a.VerificationKey()

		_, err = a.ChangeEmailRequest("new@x.com")
		require.NoError(t, err)
		assert.Equal(t, first, a.VerificationKey())

		_, err = a.ChangeEmailRequest("other@x.com")
		require.NoError(t, err)
		assert.NotEqual(t, first, a.VerificationKey())
	})

	t.Run("stale key is rejected", func(t *testing.T) {
		env, clock, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		_, err := a.ChangeEmailRequest("new@x.com")
		require.NoError(t, err)
		key := a.VerificationKey()

		clock.Advance(testLifetime + time.Second)
		ok, err := a.ChangeEmailFromKey(key, "new@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty email is a validation error", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a := newVerifiedAccount(t, env)

		_, err := a.ChangeEmailRequest("")
		require.ErrorIs(t, err, ErrValidation)
		_, err = a.ChangeEmailFromKey("k", " ")
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unverified cannot request", func(t *testing.T) {
		env, _, _ := newTestEnv()
		a, err := NewAccount(env, "t", "alice", "p1", "a@x.com", true, true)
		require.NoError(t, err)

		ok, err := a.ChangeEmailRequest("new@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, PendingVerifyAccount, a.Pending.Kind)
	})
}

func TestAccount_Unbound(t *testing.T) {
	env, _, _ := newTestEnv()
	a := newVerifiedAccount(t, env)
	loaded := *a
	loaded.env = Env{}

	_, err := loaded.Authenticate("p1", 10, time.Minute)
	require.ErrorIs(t, err, ErrAccountUnbound)

	ok, err := loaded.Bind(env).Authenticate("p1", 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
