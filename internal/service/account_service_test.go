package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/lock"
	"github.com/prn-tf/membership/internal/metrics"
	"github.com/prn-tf/membership/internal/notification"
	"github.com/prn-tf/membership/internal/pkg/crypto"
	"github.com/prn-tf/membership/internal/repository"
	"github.com/prn-tf/membership/internal/repository/memory"
)

// MockNotifier is a testify mock of notification.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) AccountCreated(ctx context.Context, a *domain.Account) error {
	return m.Called(a.Username).Error(0)
}

func (m *MockNotifier) AccountVerified(ctx context.Context, a *domain.Account) error {
	return m.Called(a.Username).Error(0)
}

func (m *MockNotifier) AccountClosed(ctx context.Context, a *domain.Account) error {
	return m.Called(a.Username).Error(0)
}

func (m *MockNotifier) PasswordResetRequested(ctx context.Context, a *domain.Account) error {
	return m.Called(a.Username).Error(0)
}

func (m *MockNotifier) PasswordChanged(ctx context.Context, a *domain.Account) error {
	return m.Called(a.Username).Error(0)
}

func (m *MockNotifier) UsernameReminder(ctx context.Context, a *domain.Account) error {
	return m.Called(a.Username).Error(0)
}

func (m *MockNotifier) EmailChangeRequested(ctx context.Context, a *domain.Account, newEmail string) error {
	return m.Called(a.Username, newEmail).Error(0)
}

func (m *MockNotifier) EmailChanged(ctx context.Context, a *domain.Account, oldEmail string) error {
	return m.Called(a.Username, oldEmail).Error(0)
}

const testPassword = "Passw0rd!"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		DefaultTenant:                     "default",
		EmailIsUnique:                     true,
		RequireAccountVerification:        true,
		AllowLoginAfterAccountCreation:    true,
		AccountLockoutFailedLoginAttempts: 3,
		AccountLockoutDuration:            5 * time.Minute,
		AllowAccountDeletion:              true,
		VerificationKeyLifetime:           24 * time.Hour,
	}
}

type fixture struct {
	svc      *AccountService
	store    *memory.Store
	notifier *MockNotifier
	clock    *clockwork.FakeClock
	env      domain.Env
}

func newFixture(t *testing.T, configure func(*config.SecurityConfig), opts ...Option) *fixture {
	t.Helper()

	security := defaultSecurity()
	if configure != nil {
		configure(&security)
	}

	clock := clockwork.NewFakeClockAt(epoch)
	env := domain.NewEnv(crypto.NewProvider(bcrypt.MinCost), clock, security.VerificationKeyLifetime)
	store := memory.NewStore()
	notifier := &MockNotifier{}

	opts = append([]Option{WithNotifier(notifier)}, opts...)
	svc := NewAccountService(
		&repository.Repositories{Accounts: store, Tx: store, Database: store},
		env, security, zerolog.Nop(), opts...,
	)

	return &fixture{svc: svc, store: store, notifier: notifier, clock: clock, env: env}
}

// createVerified registers an account without a pending verification.
func (f *fixture) createVerified(t *testing.T, username, email string) *domain.Account {
	t.Helper()
	a, err := domain.NewAccount(f.env, "default", username, testPassword, email, false, true)
	require.NoError(t, err)
	f.store.Seed(a)
	return a
}

func (f *fixture) createUnverified(t *testing.T, username, email string) *domain.Account {
	t.Helper()
	a, err := domain.NewAccount(f.env, "default", username, testPassword, email, true, true)
	require.NoError(t, err)
	f.store.Seed(a)
	return a
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *domain.Account {
	t.Helper()
	a, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return a.Bind(f.env)
}

func TestCreateAccount_VerifyEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.notifier.On("AccountCreated", "alice").Return(nil).Once()
	f.notifier.On("AccountVerified", "alice").Return(nil).Once()

	a, err := f.svc.CreateAccount(ctx, "ignored", "alice", testPassword, "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "default", a.Tenant, "default tenant overrides the caller's")
	assert.False(t, a.IsAccountVerified)

	key := a.VerificationKey()
	require.NotEmpty(t, key)

	ok, err := f.svc.VerifyAccount(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	stored := f.reload(t, a.ID)
	assert.True(t, stored.IsAccountVerified)
	assert.Nil(t, stored.Pending)

	ok, err = f.svc.VerifyAccount(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	f.notifier.AssertExpectations(t)
}

func TestCreateAccount_WithoutVerification(t *testing.T) {
	f := newFixture(t, func(c *config.SecurityConfig) { c.RequireAccountVerification = false })
	f.notifier.On("AccountVerified", "bob").Return(nil).Once()

	a, err := f.svc.CreateAccount(context.Background(), "", "bob", testPassword, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, a.IsAccountVerified)
	assert.Nil(t, a.Pending)

	f.notifier.AssertExpectations(t)
	f.notifier.AssertNotCalled(t, "AccountCreated", mock.Anything)
}

func TestCreateAccount_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*config.SecurityConfig)
		username  string
		password  string
		email     string
		wantErr   error
		wantMsg   string
	}{
		{name: "missing username", username: " ", password: testPassword, email: "a@x.com", wantErr: domain.ErrInvalidArgument},
		{name: "missing password", username: "alice", password: "", email: "a@x.com", wantErr: domain.ErrInvalidArgument},
		{name: "missing email", username: "alice", password: testPassword, email: "", wantErr: domain.ErrInvalidArgument},
		{
			name:      "missing tenant in multi-tenant mode",
			configure: func(c *config.SecurityConfig) { c.MultiTenant = true },
			username:  "alice",
			password:  testPassword,
			email:     "a@x.com",
			wantErr:   domain.ErrInvalidArgument,
		},
		{name: "weak password", username: "alice", password: "short", email: "a@x.com", wantErr: domain.ErrValidation, wantMsg: "Invalid password: "},
		{name: "malformed email", username: "alice", password: testPassword, email: "not-an-email", wantErr: domain.ErrValidation, wantMsg: msgInvalidEmail},
		{name: "display name email", username: "alice", password: testPassword, email: "Alice <a@x.com>", wantErr: domain.ErrValidation, wantMsg: msgInvalidEmail},
		{name: "username with at sign", username: "al@ce", password: testPassword, email: "a@x.com", wantErr: domain.ErrValidation, wantMsg: msgUsernameAtSign},
		{name: "duplicate username", username: "Taken", password: testPassword, email: "new@x.com", wantErr: domain.ErrValidation, wantMsg: msgUsernameInUse},
		{name: "duplicate email", username: "fresh", password: testPassword, email: "taken@x.com", wantErr: domain.ErrValidation, wantMsg: msgEmailInUse},
		{
			name:      "duplicate email as username",
			configure: func(c *config.SecurityConfig) { c.EmailIsUsername = true },
			username:  "whatever",
			password:  testPassword,
			email:     "taken@x.com",
			wantErr:   domain.ErrValidation,
			wantMsg:   msgEmailInUse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.configure, WithPasswordPolicy(&BasicPasswordPolicy{MinLength: 8, MinDigits: 1}))
			existing, err := domain.NewAccount(f.env, "default", "taken", testPassword, "taken@x.com", false, true)
			require.NoError(t, err)
			if tt.configure != nil {
				existing.Username = existing.Email
			}
			f.store.Seed(existing)

			a, err := f.svc.CreateAccount(context.Background(), "", tt.username, tt.password, tt.email)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, a)
			if tt.wantMsg != "" {
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Contains(t, verr.Message, tt.wantMsg)
			}
			f.notifier.AssertNotCalled(t, "AccountCreated", mock.Anything)
		})
	}
}

func TestCreateAccount_NotificationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.notifier.On("AccountCreated", "alice").Return(errors.New("relay down"))

	a, err := f.svc.CreateAccount(ctx, "", "alice", testPassword, "a@x.com")
	require.ErrorIs(t, err, ErrInternalError)
	assert.Nil(t, a)

	exists, err := f.svc.UsernameExists(ctx, "", "alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

// commitFailingTx runs fn on the store and then fails as a commit would,
// rolling the store back.
type commitFailingTx struct {
	store *memory.Store
}

func (c commitFailingTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

type capturedDelivery struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (c *capturedDelivery) Send(_ context.Context, msg notification.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capturedDelivery) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestCreateAccount_NotificationsWaitForCommit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		failTx   bool
		wantSent int
	}{
		{"commit fails", true, 0},
		{"commit succeeds", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			security := defaultSecurity()
			env := domain.NewEnv(crypto.NewProvider(bcrypt.MinCost), clockwork.NewFakeClockAt(epoch), security.VerificationKeyLifetime)
			store := memory.NewStore()
			var tx repository.TxManager = store
			if tt.failTx {
				tx = commitFailingTx{store: store}
			}

			captured := &capturedDelivery{}
			async := notification.NewAsyncDelivery(captured, 8, zerolog.Nop())
			svc := NewAccountService(
				&repository.Repositories{Accounts: store, Tx: tx, Database: store},
				env, security, zerolog.Nop(),
				WithNotifier(notification.NewEmailNotifier(async, notification.AppInfo{ApplicationName: "Acme"}, zerolog.Nop())),
			)

			_, err := svc.CreateAccount(ctx, "", "alice", testPassword, "a@x.com")
			if tt.failTx {
				require.ErrorIs(t, err, ErrInternalError)
			} else {
				require.NoError(t, err)
			}

			require.NoError(t, async.Close())
			assert.Equal(t, tt.wantSent, captured.count())
		})
	}
}

func TestTenantResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("multi-tenant requires a tenant", func(t *testing.T) {
		f := newFixture(t, func(c *config.SecurityConfig) { c.MultiTenant = true })
		a, err := domain.NewAccount(f.env, "acme", "alice", testPassword, "a@x.com", false, true)
		require.NoError(t, err)
		f.store.Seed(a)

		got, err := f.svc.GetByUsername(ctx, "", "alice")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = f.svc.GetByUsername(ctx, "acme", "alice")
		require.NoError(t, err)
		require.NotNil(t, got)

		ok, err := f.svc.Authenticate(ctx, "", "alice", testPassword)
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := f.svc.GetAll(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("single tenant ignores the caller", func(t *testing.T) {
		f := newFixture(t, nil)
		f.createVerified(t, "alice", "a@x.com")

		got, err := f.svc.GetByEmail(ctx, "elsewhere", "A@X.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "alice", got.Username)
	})
}

func TestUsernameExists_Scope(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		acrossTenants bool
		want          bool
	}{
		{name: "per tenant", acrossTenants: false, want: false},
		{name: "across tenants", acrossTenants: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.SecurityConfig) {
				c.MultiTenant = true
				c.UsernamesUniqueAcrossTenants = tt.acrossTenants
			})
			a, err := domain.NewAccount(f.env, "other", "alice", testPassword, "a@x.com", false, true)
			require.NoError(t, err)
			f.store.Seed(a)

			exists, err := f.svc.UsernameExists(ctx, "acme", "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
		})
	}
}

func TestLookups_SoftFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	a, err := f.svc.GetByID(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = f.svc.GetByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = f.svc.GetByVerificationKey(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, a)

	exists, err := f.svc.EmailExists(ctx, "", "")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAuthenticate_Lockout(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	f := newFixture(t, nil, WithMetrics(m))
	a := f.createVerified(t, "alice", "a@x.com")

	for i := 0; i < 3; i++ {
		ok, err := f.svc.Authenticate(ctx, "", "alice", "wrong")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := f.svc.Authenticate(ctx, "", "alice", testPassword)
	require.NoError(t, err)
	assert.False(t, ok, "locked out")
	assert.Equal(t, 4, f.reload(t, a.ID).FailedLoginCount, "attempts during lockout still count")

	f.clock.Advance(5*time.Minute + time.Second)

	ok, err = f.svc.Authenticate(ctx, "", "ALICE", testPassword)
	require.NoError(t, err)
	assert.True(t, ok)

	stored := f.reload(t, a.ID)
	assert.Equal(t, 0, stored.FailedLoginCount)
	require.NotNil(t, stored.LastLoginAt)
	assert.True(t, stored.LastLoginAt.Equal(f.clock.Now().UTC()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthAttemptsTotal.WithLabelValues("success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.AuthAttemptsTotal.WithLabelValues("failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("authenticate", metrics.OutcomeRejected)))
}

func TestAuthenticateWithLockout_InvalidThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.createVerified(t, "alice", "a@x.com")

	_, err := f.svc.AuthenticateWithLockout(context.Background(), "", "alice", testPassword, 0, time.Minute)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.NotErrorIs(t, err, ErrInternalError)
}

func TestDeleteAccount(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		allowDeletion bool
		verified      bool
		wantRemoved   bool
	}{
		{name: "deletion allowed", allowDeletion: true, verified: true, wantRemoved: true},
		{name: "deletion disallowed closes verified account", allowDeletion: false, verified: true, wantRemoved: false},
		{name: "unverified account is always removed", allowDeletion: false, verified: false, wantRemoved: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.SecurityConfig) { c.AllowAccountDeletion = tt.allowDeletion })
			f.notifier.On("AccountClosed", "alice").Return(nil).Once()

			var a *domain.Account
			if tt.verified {
				a = f.createVerified(t, "alice", "a@x.com")
			} else {
				a = f.createUnverified(t, "alice", "a@x.com")
			}

			ok, err := f.svc.DeleteAccount(ctx, "", "alice")
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = f.store.FindByID(ctx, a.ID)
			if tt.wantRemoved {
				require.ErrorIs(t, err, repository.ErrNotFound)
			} else {
				require.NoError(t, err)
				stored := f.reload(t, a.ID)
				assert.True(t, stored.IsAccountClosed)
				assert.False(t, stored.IsLoginAllowed)

				ok, err := f.svc.Authenticate(ctx, "", "alice", testPassword)
				require.NoError(t, err)
				assert.False(t, ok)

				all, err := f.svc.GetAll(ctx, "")
				require.NoError(t, err)
				assert.Empty(t, all, "closed accounts are not listed")
			}
			f.notifier.AssertExpectations(t)
		})
	}

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t, nil)
		ok, err := f.svc.DeleteAccount(ctx, "", "nobody")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCancelNewAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.notifier.On("AccountClosed", "alice").Return(nil).Once()

	a := f.createUnverified(t, "alice", "a@x.com")

	ok, err := f.svc.CancelNewAccount(ctx, "not-the-key")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.CancelNewAccount(ctx, a.VerificationKey())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.store.FindByID(ctx, a.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	f.notifier.AssertExpectations(t)
}

func TestCancelNewAccount_VerifiedAccountIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.createVerified(t, "alice", "a@x.com")
	a.Pending = &domain.PendingOperation{Kind: domain.PendingResetPassword, Token: "reset-key", IssuedAt: epoch}
	require.NoError(t, f.store.Update(ctx, a))

	ok, err := f.svc.CancelNewAccount(ctx, "reset-key")
	require.NoError(t, err)
	assert.False(t, ok)
	f.notifier.AssertNotCalled(t, "AccountClosed", mock.Anything)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, WithPasswordPolicy(&BasicPasswordPolicy{MinLength: 8}))
	a := f.createVerified(t, "alice", "a@x.com")
	f.notifier.On("PasswordChanged", "alice").Return(nil).Once()

	_, err := f.svc.ChangePassword(ctx, "", "alice", testPassword, "short")
	require.ErrorIs(t, err, domain.ErrValidation)

	ok, err := f.svc.ChangePassword(ctx, "", "alice", "wrong", "N3wPassword")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.reload(t, a.ID).FailedLoginCount)

	ok, err = f.svc.ChangePassword(ctx, "", "alice", testPassword, "N3wPassword")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Authenticate(ctx, "", "alice", "N3wPassword")
	require.NoError(t, err)
	assert.True(t, ok)

	f.notifier.AssertExpectations(t)
}

func TestResetPassword_Flow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.createVerified(t, "alice", "a@x.com")
	f.notifier.On("PasswordResetRequested", "alice").Return(nil).Twice()
	f.notifier.On("PasswordChanged", "alice").Return(nil).Once()

	ok, err := f.svc.ResetPassword(ctx, "", "a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)

	first := f.reload(t, a.ID).Pending
	require.NotNil(t, first)
	assert.Equal(t, domain.PendingResetPassword, first.Kind)

	ok, err = f.svc.ResetPassword(ctx, "", "a@x.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.Token, f.reload(t, a.ID).Pending.Token, "fresh key is not replaced")

	ok, err = f.svc.ChangePasswordFromResetKey(ctx, "bogus", "N3wPassword")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.ChangePasswordFromResetKey(ctx, first.Token, "N3wPassword")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, f.reload(t, a.ID).Pending)

	ok, err = f.svc.Authenticate(ctx, "", "alice", "N3wPassword")
	require.NoError(t, err)
	assert.True(t, ok)

	f.notifier.AssertExpectations(t)
}

func TestResetPassword_BlankNewPasswordKeepsKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.createVerified(t, "alice", "a@x.com")
	f.notifier.On("PasswordResetRequested", "alice").Return(nil).Once()

	ok, err := f.svc.ResetPassword(ctx, "", "a@x.com")
	require.NoError(t, err)
	require.True(t, ok)
	before := f.reload(t, a.ID)
	key := before.VerificationKey()

	for _, pw := range []string{"", "   ", "\t\n"} {
		ok, err = f.svc.ChangePasswordFromResetKey(ctx, key, pw)
		require.NoError(t, err)
		assert.False(t, ok, "password %q", pw)
	}

	after := f.reload(t, a.ID)
	require.NotNil(t, after.Pending)
	assert.Equal(t, key, after.Pending.Token)
	assert.Equal(t, before.HashedPassword, after.HashedPassword)

	ok, err = f.svc.Authenticate(ctx, "", "alice", testPassword)
	require.NoError(t, err)
	assert.True(t, ok)

	f.notifier.AssertExpectations(t)
}

func TestResetPassword_StaleKeyCannotComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.createVerified(t, "alice", "a@x.com")
	f.notifier.On("PasswordResetRequested", "alice").Return(nil)

	ok, err := f.svc.ResetPassword(ctx, "", "a@x.com")
	require.NoError(t, err)
	require.True(t, ok)
	key := f.reload(t, a.ID).VerificationKey()

	f.clock.Advance(24*time.Hour + time.Second)

	ok, err = f.svc.ChangePasswordFromResetKey(ctx, key, "N3wPassword")
	require.NoError(t, err)
	assert.False(t, ok)
	f.notifier.AssertNotCalled(t, "PasswordChanged", mock.Anything)
}

func TestResetPassword_Unverified(t *testing.T) {
	ctx := context.Background()

	t.Run("resends the account created notice", func(t *testing.T) {
		f := newFixture(t, nil)
		a := f.createUnverified(t, "alice", "a@x.com")
		f.notifier.On("AccountCreated", "alice").Return(nil).Once()

		ok, err := f.svc.ResetPassword(ctx, "", "a@x.com")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.PendingVerifyAccount, f.reload(t, a.ID).Pending.Kind)
		f.notifier.AssertExpectations(t)
	})

	t.Run("without a notifier", func(t *testing.T) {
		f := newFixture(t, nil, WithNotifier(nil))
		f.createUnverified(t, "alice", "a@x.com")

		ok, err := f.svc.ResetPassword(ctx, "", "a@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSendUsernameReminder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.createVerified(t, "alice", "a@x.com")
	f.notifier.On("UsernameReminder", "alice").Return(nil).Once()

	require.NoError(t, f.svc.SendUsernameReminder(ctx, "", "a@x.com"))
	require.NoError(t, f.svc.SendUsernameReminder(ctx, "", "unknown@x.com"))
	require.NoError(t, f.svc.SendUsernameReminder(ctx, "", ""))

	f.notifier.AssertExpectations(t)
}

func TestChangeEmail_Flow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.createVerified(t, "alice", "old@x.com")
	f.notifier.On("EmailChangeRequested", "alice", "new@x.com").Return(nil).Once()
	f.notifier.On("EmailChanged", "alice", "old@x.com").Return(nil).Once()

	_, err := f.svc.ChangeEmailRequest(ctx, "", "alice", "broken")
	require.ErrorIs(t, err, domain.ErrValidation)

	ok, err := f.svc.ChangeEmailRequest(ctx, "", "alice", "new@x.com")
	require.NoError(t, err)
	require.True(t, ok)

	key := f.reload(t, a.ID).VerificationKey()
	require.NotEmpty(t, key)

	ok, err = f.svc.ChangeEmailFromKey(ctx, "wrong", key, "new@x.com")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.reload(t, a.ID).FailedLoginCount)

	ok, err = f.svc.ChangeEmailFromKey(ctx, testPassword, key, "other@x.com")
	require.NoError(t, err)
	assert.False(t, ok, "key is bound to the requested address")

	ok, err = f.svc.ChangeEmailFromKey(ctx, testPassword, key, "new@x.com")
	require.NoError(t, err)
	assert.True(t, ok)

	stored := f.reload(t, a.ID)
	assert.Equal(t, "new@x.com", stored.Email)
	assert.Nil(t, stored.Pending)

	f.notifier.AssertExpectations(t)
}

func TestChangeEmail_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("email is username", func(t *testing.T) {
		f := newFixture(t, func(c *config.SecurityConfig) { c.EmailIsUsername = true })
		f.createVerified(t, "a@x.com", "a@x.com")

		ok, err := f.svc.ChangeEmailRequest(ctx, "", "a@x.com", "new@x.com")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = f.svc.ChangeEmailFromKey(ctx, testPassword, "key", "new@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("address in use", func(t *testing.T) {
		f := newFixture(t, nil)
		f.createVerified(t, "alice", "a@x.com")
		f.createVerified(t, "bob", "b@x.com")

		_, err := f.svc.ChangeEmailRequest(ctx, "", "alice", "B@x.com")
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, msgEmailInUse, verr.Message)
	})

	t.Run("unverified account", func(t *testing.T) {
		f := newFixture(t, nil)
		f.createUnverified(t, "alice", "a@x.com")

		ok, err := f.svc.ChangeEmailRequest(ctx, "", "alice", "new@x.com")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.createVerified(t, "alice", "a@x.com")

	for i := 0; i < 2; i++ {
		ok, err := f.svc.AddClaim(ctx, "", "alice", "role", "admin")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := f.svc.AddClaim(ctx, "", "alice", "role", "user")
	require.NoError(t, err)
	require.True(t, ok)

	values, err := f.reload(t, a.ID).GetClaimValues("role")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "user"}, values)

	ok, err = f.svc.RemoveClaimValue(ctx, "", "alice", "role", "user")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.reload(t, a.ID).GetClaimValue("role")
	require.NoError(t, err)

	ok, err = f.svc.RemoveClaim(ctx, "", "alice", "role")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, f.reload(t, a.ID).Claims)

	_, err = f.svc.AddClaim(ctx, "", "alice", "", "x")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	ok, err = f.svc.AddClaim(ctx, "", "nobody", "role", "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}

// failingRepository fails or misbehaves on demand.
type failingRepository struct {
	repository.AccountRepository
	findErr   error
	updateErr error
}

func (r *failingRepository) FindByUsername(ctx context.Context, tenant, username string) (*domain.Account, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.AccountRepository.FindByUsername(ctx, tenant, username)
}

func (r *failingRepository) Update(ctx context.Context, a *domain.Account) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	return r.AccountRepository.Update(ctx, a)
}

func TestAccountService_ErrorChannels(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		findErr    error
		updateErr  error
		wantErr    error
		notWantErr error
	}{
		{
			name:    "storage failure is internal",
			findErr: errors.New("connection reset"),
			wantErr: ErrInternalError,
		},
		{
			name:       "invariant violation passes through",
			findErr:    domain.InvariantViolation("username", "alice"),
			wantErr:    domain.ErrInvariantViolation,
			notWantErr: ErrInternalError,
		},
		{
			name:      "version conflict",
			updateErr: repository.ErrConflict,
			wantErr:   ErrConcurrentUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.createVerified(t, "alice", "a@x.com")
			f.svc.accounts = &failingRepository{AccountRepository: f.store, findErr: tt.findErr, updateErr: tt.updateErr}

			ok, err := f.svc.Authenticate(ctx, "", "alice", testPassword)
			require.ErrorIs(t, err, tt.wantErr)
			assert.False(t, ok)
			if tt.notWantErr != nil {
				assert.NotErrorIs(t, err, tt.notWantErr)
			}
		})
	}
}

func TestAccountService_NoNotificationWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.createVerified(t, "alice", "a@x.com")
	f.svc.accounts = &failingRepository{AccountRepository: f.store, updateErr: errors.New("disk full")}

	ok, err := f.svc.ChangePassword(ctx, "", "alice", testPassword, "N3wPassword")
	require.ErrorIs(t, err, ErrInternalError)
	assert.False(t, ok)
	f.notifier.AssertNotCalled(t, "PasswordChanged", mock.Anything)
}

func TestAuthenticate_AccountLock(t *testing.T) {
	ctx := context.Background()

	t.Run("busy lock is a concurrent update", func(t *testing.T) {
		locker := lock.NewMemoryLocker(nil)
		opts := lock.Options{TTL: time.Minute, MaxRetries: 1, RetryDelay: time.Millisecond}
		f := newFixture(t, nil, WithLocker(locker, opts))
		a := f.createVerified(t, "alice", "a@x.com")

		_, held, err := locker.Acquire(ctx, lock.Keys.Account("default", "ALICE"), time.Minute)
		require.NoError(t, err)
		require.True(t, held)

		ok, err := f.svc.Authenticate(ctx, "", "alice", testPassword)
		require.ErrorIs(t, err, ErrConcurrentUpdate)
		assert.False(t, ok)
		assert.Nil(t, f.reload(t, a.ID).LastLoginAt)
	})

	t.Run("concurrent failures all count", func(t *testing.T) {
		opts := lock.Options{TTL: time.Minute, MaxRetries: 500, RetryDelay: time.Millisecond}
		f := newFixture(t, func(c *config.SecurityConfig) {
			c.AccountLockoutFailedLoginAttempts = 100
		}, WithLocker(lock.NewMemoryLocker(nil), opts))
		a := f.createVerified(t, "alice", "a@x.com")

		const attempts = 6
		var wg sync.WaitGroup
		errs := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Authenticate(ctx, "", "alice", "wrong")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, attempts, f.reload(t, a.ID).FailedLoginCount)
	})
}

func TestAccountService_Close(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.Close())
	require.NoError(t, f.svc.Close())
}
