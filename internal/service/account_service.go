package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/domain"
	"github.com/prn-tf/membership/internal/lock"
	"github.com/prn-tf/membership/internal/metrics"
	"github.com/prn-tf/membership/internal/notification"
	"github.com/prn-tf/membership/internal/repository"
)

var tracer = otel.Tracer("membership/service")

// AccountService orchestrates account operations: it resolves the tenant,
// validates input, loads the account, runs the transition, persists it and
// sends the matching notification in one unit of work.
//
// Lookups that find nothing and transitions the account refuses are reported
// as nil or false results. Errors are reserved for malformed arguments
// (domain.ErrInvalidArgument), policy violations (*domain.ValidationError),
// corrupt data (domain.ErrInvariantViolation) and infrastructure failures
// (ErrInternalError, ErrConcurrentUpdate).
type AccountService struct {
	accounts repository.AccountRepository
	tx       repository.TxManager
	db       repository.DatabaseHealth
	env      domain.Env
	security config.SecurityConfig

	notifier notification.Notifier
	policy   PasswordPolicy
	metrics  *metrics.Metrics
	locker   lock.Locker
	lockOpts lock.Options
	logger   zerolog.Logger

	closeOnce sync.Once
}

// Option configures optional AccountService collaborators.
type Option func(*AccountService)

// WithNotifier enables lifecycle notifications.
func WithNotifier(n notification.Notifier) Option {
	return func(s *AccountService) { s.notifier = n }
}

// WithPasswordPolicy enables password strength checks.
func WithPasswordPolicy(p PasswordPolicy) Option {
	return func(s *AccountService) { s.policy = p }
}

// WithMetrics records operation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *AccountService) { s.metrics = m }
}

// WithLocker serializes credential checks per account, so concurrent
// failed logins against one account each count toward the lockout.
func WithLocker(l lock.Locker, opts lock.Options) Option {
	return func(s *AccountService) {
		s.locker = l
		s.lockOpts = opts
	}
}

// NewAccountService creates an AccountService over repos. The security
// configuration is copied and never changes afterwards.
func NewAccountService(
	repos *repository.Repositories,
	env domain.Env,
	security config.SecurityConfig,
	logger zerolog.Logger,
	opts ...Option,
) *AccountService {
	s := &AccountService{
		accounts: repos.Accounts,
		tx:       repos.Tx,
		db:       repos.Database,
		env:      env,
		security: security,
		locker:   lock.NewNoOpLocker(),
		lockOpts: lock.DefaultOptions(),
		logger:   logger.With().Str("service", "account").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the underlying database. It is safe to call more than once.
func (s *AccountService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// =============================================================================
// Lookups
// =============================================================================

// GetAll returns the open accounts of a tenant.
func (s *AccountService) GetAll(ctx context.Context, tenant string) ([]*domain.Account, error) {
	tenant, ok := s.resolveTenant(tenant)
	if !ok {
		return nil, nil
	}

	all, err := s.accounts.FindAll(ctx, tenant)
	if err != nil {
		return nil, s.storageError(err, "failed to list accounts")
	}

	open := make([]*domain.Account, 0, len(all))
	for _, a := range all {
		if !a.IsAccountClosed {
			open = append(open, a.Bind(s.env))
		}
	}
	return open, nil
}

// GetByID returns the account with id, or nil.
func (s *AccountService) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	return s.load(ctx, func(ctx context.Context) (*domain.Account, error) {
		return s.accounts.FindByID(ctx, id)
	})
}

// GetByUsername returns the tenant's account with username, or nil.
func (s *AccountService) GetByUsername(ctx context.Context, tenant, username string) (*domain.Account, error) {
	tenant, ok := s.resolveTenant(tenant)
	if !ok || isBlank(username) {
		return nil, nil
	}
	return s.findByUsername(ctx, tenant, username)
}

// GetByEmail returns the tenant's account with email, or nil.
func (s *AccountService) GetByEmail(ctx context.Context, tenant, email string) (*domain.Account, error) {
	tenant, ok := s.resolveTenant(tenant)
	if !ok || isBlank(email) {
		return nil, nil
	}
	return s.findByEmail(ctx, tenant, email)
}

// GetByVerificationKey returns the account holding key, or nil.
func (s *AccountService) GetByVerificationKey(ctx context.Context, key string) (*domain.Account, error) {
	if isBlank(key) {
		return nil, nil
	}
	return s.findByKey(ctx, key)
}

// UsernameExists reports whether username is taken. The scope is the tenant,
// or every tenant when usernames are unique across tenants.
func (s *AccountService) UsernameExists(ctx context.Context, tenant, username string) (bool, error) {
	tenant, ok := s.resolveTenant(tenant)
	if !ok || isBlank(username) {
		return false, nil
	}
	if s.security.UsernamesUniqueAcrossTenants {
		tenant = ""
	}
	exists, err := s.accounts.ExistsByUsername(ctx, tenant, username)
	if err != nil {
		return false, s.storageError(err, "failed to check username")
	}
	return exists, nil
}

// EmailExists reports whether email is taken within the tenant.
func (s *AccountService) EmailExists(ctx context.Context, tenant, email string) (bool, error) {
	tenant, ok := s.resolveTenant(tenant)
	if !ok || isBlank(email) {
		return false, nil
	}
	exists, err := s.accounts.ExistsByEmail(ctx, tenant, email)
	if err != nil {
		return false, s.storageError(err, "failed to check email")
	}
	return exists, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// CreateAccount registers a new account. Unlike the other operations it
// rejects missing arguments with domain.ErrInvalidArgument. When the email is
// the username, username is ignored.
func (s *AccountService) CreateAccount(ctx context.Context, tenant, username, password, email string) (account *domain.Account, err error) {
	ctx, done := s.track(ctx, "create_account")
	defer func() { done(account != nil, err) }()

	if s.security.EmailIsUsername {
		username = email
	}
	if !s.security.MultiTenant {
		tenant = s.security.DefaultTenant
	}
	for _, arg := range []struct{ name, value string }{
		{"tenant", tenant},
		{"username", username},
		{"password", password},
		{"email", email},
	} {
		if isBlank(arg.value) {
			return nil, domain.RequiredArgument(arg.name)
		}
	}

	if err := s.validatePassword(password); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validateUsername(username, s.security.EmailIsUsername); err != nil {
		return nil, err
	}

	taken, err := s.UsernameExists(ctx, tenant, username)
	if err != nil {
		return nil, err
	}
	if taken {
		s.logger.Debug().Str("tenant", tenant).Str("username", username).Msg("username already in use")
		if s.security.EmailIsUsername {
			return nil, domain.NewValidationError(msgEmailInUse)
		}
		return nil, domain.NewValidationError(msgUsernameInUse)
	}
	if s.security.EmailIsUnique {
		taken, err = s.EmailExists(ctx, tenant, email)
		if err != nil {
			return nil, err
		}
		if taken {
			s.logger.Debug().Str("tenant", tenant).Str("email", email).Msg("email already in use")
			return nil, domain.NewValidationError(msgEmailInUse)
		}
	}

	a, err := domain.NewAccount(s.env, tenant, username, password, email,
		s.security.RequireAccountVerification, s.security.AllowLoginAfterAccountCreation)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.accounts.Add(ctx, a); err != nil {
			return err
		}
		if s.security.RequireAccountVerification {
			return s.notify(ctx, "account_created", func(n notification.Notifier) error {
				return n.AccountCreated(ctx, a)
			})
		}
		return s.notify(ctx, "account_verified", func(n notification.Notifier) error {
			return n.AccountVerified(ctx, a)
		})
	})
	if err != nil {
		return nil, s.storageError(err, "failed to create account")
	}

	s.logger.Info().
		Str("account_id", a.ID.String()).
		Str("tenant", a.Tenant).
		Str("username", a.Username).
		Bool("verified", a.IsAccountVerified).
		Msg("account created")

	return a, nil
}

// VerifyAccount consumes a verification key.
func (s *AccountService) VerifyAccount(ctx context.Context, key string) (ok bool, err error) {
	ctx, done := s.track(ctx, "verify_account")
	defer func() { done(ok, err) }()

	if isBlank(key) {
		return false, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByKey(ctx, key)
		if err != nil || a == nil {
			return err
		}
		if !a.VerifyAccount(key) {
			return nil
		}
		if err := s.accounts.Update(ctx, a); err != nil {
			return err
		}
		ok = true
		s.logger.Info().Str("account_id", a.ID.String()).Msg("account verified")
		return s.notify(ctx, "account_verified", func(n notification.Notifier) error {
			return n.AccountVerified(ctx, a)
		})
	})
	if err != nil {
		return false, s.storageError(err, "failed to verify account")
	}
	return ok, nil
}

// CancelNewAccount removes an account that was never verified, given its
// verification key.
func (s *AccountService) CancelNewAccount(ctx context.Context, key string) (ok bool, err error) {
	ctx, done := s.track(ctx, "cancel_new_account")
	defer func() { done(ok, err) }()

	if isBlank(key) {
		return false, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByKey(ctx, key)
		if err != nil || a == nil {
			return err
		}
		if a.IsAccountVerified || a.VerificationKey() != key {
			return nil
		}
		if err := s.deleteAccount(ctx, a); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, s.storageError(err, "failed to cancel account")
	}
	return ok, nil
}

// DeleteAccount removes the account, or closes it when deletion is not
// allowed and the account has been verified.
func (s *AccountService) DeleteAccount(ctx context.Context, tenant, username string) (ok bool, err error) {
	ctx, done := s.track(ctx, "delete_account")
	defer func() { done(ok, err) }()

	tenant, valid := s.resolveTenant(tenant)
	if !valid || isBlank(username) {
		return false, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByUsername(ctx, tenant, username)
		if err != nil || a == nil {
			return err
		}
		if err := s.deleteAccount(ctx, a); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, s.storageError(err, "failed to delete account")
	}
	return ok, nil
}

func (s *AccountService) deleteAccount(ctx context.Context, a *domain.Account) error {
	if s.security.AllowAccountDeletion || !a.IsAccountVerified {
		if err := s.accounts.Remove(ctx, a); err != nil {
			return err
		}
		s.logger.Info().Str("account_id", a.ID.String()).Str("username", a.Username).Msg("account removed")
	} else {
		a.Close()
		if err := s.accounts.Update(ctx, a); err != nil {
			return err
		}
		s.logger.Info().Str("account_id", a.ID.String()).Str("username", a.Username).Msg("account closed")
	}
	return s.notify(ctx, "account_closed", func(n notification.Notifier) error {
		return n.AccountClosed(ctx, a)
	})
}

// =============================================================================
// Authentication and passwords
// =============================================================================

// Authenticate checks credentials using the configured lockout policy.
func (s *AccountService) Authenticate(ctx context.Context, tenant, username, password string) (bool, error) {
	return s.AuthenticateWithLockout(ctx, tenant, username, password,
		s.security.AccountLockoutFailedLoginAttempts, s.security.AccountLockoutDuration)
}

// AuthenticateWithLockout checks credentials with an explicit lockout policy.
// The failure counter is persisted whatever the outcome.
func (s *AccountService) AuthenticateWithLockout(
	ctx context.Context,
	tenant, username, password string,
	threshold int,
	window time.Duration,
) (ok bool, err error) {
	ctx, done := s.track(ctx, "authenticate")
	defer func() { done(ok, err) }()

	tenant, valid := s.resolveTenant(tenant)
	if !valid || isBlank(username) || isBlank(password) {
		return false, nil
	}

	err = s.withAccountLock(ctx, tenant, username, func(ctx context.Context) error {
		return s.inTx(ctx, func(ctx context.Context) error {
			a, err := s.findByUsername(ctx, tenant, username)
			if err != nil || a == nil {
				return err
			}
			ok, err = s.authenticate(ctx, a, password, threshold, window)
			return err
		})
	})
	if err != nil {
		return false, s.storageError(err, "failed to authenticate")
	}
	s.metrics.AuthAttempt(ok)
	return ok, nil
}

func (s *AccountService) authenticate(ctx context.Context, a *domain.Account, password string, threshold int, window time.Duration) (bool, error) {
	ok, err := a.Authenticate(password, threshold, window)
	if err != nil {
		return false, err
	}
	if err := s.accounts.Update(ctx, a); err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug().
			Str("account_id", a.ID.String()).
			Int("failed_login_count", a.FailedLoginCount).
			Msg("authentication refused")
	}
	return ok, nil
}

// ChangePassword replaces the password after checking the old one.
func (s *AccountService) ChangePassword(ctx context.Context, tenant, username, oldPassword, newPassword string) (ok bool, err error) {
	ctx, done := s.track(ctx, "change_password")
	defer func() { done(ok, err) }()

	tenant, valid := s.resolveTenant(tenant)
	if !valid || isBlank(username) || isBlank(oldPassword) || isBlank(newPassword) {
		return false, nil
	}
	if err := s.validatePassword(newPassword); err != nil {
		return false, err
	}

	err = s.withAccountLock(ctx, tenant, username, func(ctx context.Context) error {
		return s.inTx(ctx, func(ctx context.Context) error {
			a, err := s.findByUsername(ctx, tenant, username)
			if err != nil || a == nil {
				return err
			}
			ok, err = a.ChangePassword(oldPassword, newPassword,
				s.security.AccountLockoutFailedLoginAttempts, s.security.AccountLockoutDuration)
			if err != nil {
				return err
			}
			if err := s.accounts.Update(ctx, a); err != nil {
				ok = false
				return err
			}
			if !ok {
				s.logger.Debug().Str("account_id", a.ID.String()).Msg("password change refused")
				return nil
			}
			s.logger.Info().Str("account_id", a.ID.String()).Msg("password changed")
			return s.notify(ctx, "password_changed", func(n notification.Notifier) error {
				return n.PasswordChanged(ctx, a)
			})
		})
	})
	if err != nil {
		return false, s.storageError(err, "failed to change password")
	}
	return ok, nil
}

// ResetPassword starts a password reset for the account with email. For an
// unverified account the account-created notice is sent again instead, when
// verification is required and notifications are enabled.
func (s *AccountService) ResetPassword(ctx context.Context, tenant, email string) (ok bool, err error) {
	ctx, done := s.track(ctx, "reset_password")
	defer func() { done(ok, err) }()

	tenant, valid := s.resolveTenant(tenant)
	if !valid || isBlank(email) {
		return false, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByEmail(ctx, tenant, email)
		if err != nil || a == nil {
			return err
		}

		if !a.IsAccountVerified {
			if !s.security.RequireAccountVerification || s.notifier == nil {
				return nil
			}
			ok = true
			return s.notify(ctx, "account_created", func(n notification.Notifier) error {
				return n.AccountCreated(ctx, a)
			})
		}

		ok, err = a.ResetPassword()
		if err != nil || !ok {
			return err
		}
		if err := s.accounts.Update(ctx, a); err != nil {
			ok = false
			return err
		}
		s.logger.Info().Str("account_id", a.ID.String()).Msg("password reset requested")
		return s.notify(ctx, "password_reset_requested", func(n notification.Notifier) error {
			return n.PasswordResetRequested(ctx, a)
		})
	})
	if err != nil {
		return false, s.storageError(err, "failed to reset password")
	}
	return ok, nil
}

// ChangePasswordFromResetKey completes a password reset.
func (s *AccountService) ChangePasswordFromResetKey(ctx context.Context, key, newPassword string) (ok bool, err error) {
	ctx, done := s.track(ctx, "change_password_from_reset_key")
	defer func() { done(ok, err) }()

	if isBlank(key) || isBlank(newPassword) {
		return false, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByKey(ctx, key)
		if err != nil || a == nil {
			return err
		}
		if err := s.validatePassword(newPassword); err != nil {
			return err
		}
		ok, err = a.ChangePasswordFromResetKey(key, newPassword)
		if err != nil || !ok {
			return err
		}
		if err := s.accounts.Update(ctx, a); err != nil {
			ok = false
			return err
		}
		s.logger.Info().Str("account_id", a.ID.String()).Msg("password reset completed")
		return s.notify(ctx, "password_changed", func(n notification.Notifier) error {
			return n.PasswordChanged(ctx, a)
		})
	})
	if err != nil {
		return false, s.storageError(err, "failed to change password")
	}
	return ok, nil
}

// SendUsernameReminder mails the username to the account registered with email.
// Unknown addresses are ignored.
func (s *AccountService) SendUsernameReminder(ctx context.Context, tenant, email string) (err error) {
	ctx, done := s.track(ctx, "send_username_reminder")
	defer func() { done(true, err) }()

	tenant, ok := s.resolveTenant(tenant)
	if !ok || isBlank(email) || s.notifier == nil {
		return nil
	}

	a, err := s.findByEmail(ctx, tenant, email)
	if err != nil || a == nil {
		return err
	}
	if err := s.notify(ctx, "username_reminder", func(n notification.Notifier) error {
		return n.UsernameReminder(ctx, a)
	}); err != nil {
		return s.storageError(err, "failed to send username reminder")
	}
	return nil
}

// =============================================================================
// Email change
// =============================================================================

// ChangeEmailRequest issues a key that confirms newEmail. It is refused when
// the email is the username.
func (s *AccountService) ChangeEmailRequest(ctx context.Context, tenant, username, newEmail string) (ok bool, err error) {
	ctx, done := s.track(ctx, "change_email_request")
	defer func() { done(ok, err) }()

	if s.security.EmailIsUsername {
		return false, nil
	}
	tenant, valid := s.resolveTenant(tenant)
	if !valid || isBlank(username) || isBlank(newEmail) {
		return false, nil
	}
	if err := validateEmail(newEmail); err != nil {
		return false, err
	}
	if s.security.EmailIsUnique {
		taken, err := s.EmailExists(ctx, tenant, newEmail)
		if err != nil {
			return false, err
		}
		if taken {
			return false, domain.NewValidationError(msgEmailInUse)
		}
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByUsername(ctx, tenant, username)
		if err != nil || a == nil {
			return err
		}
		ok, err = a.ChangeEmailRequest(newEmail)
		if err != nil || !ok {
			return err
		}
		if err := s.accounts.Update(ctx, a); err != nil {
			ok = false
			return err
		}
		s.logger.Info().Str("account_id", a.ID.String()).Msg("email change requested")
		return s.notify(ctx, "email_change_requested", func(n notification.Notifier) error {
			return n.EmailChangeRequested(ctx, a, newEmail)
		})
	})
	if err != nil {
		return false, s.storageError(err, "failed to request email change")
	}
	return ok, nil
}

// ChangeEmailFromKey confirms an email change. The password is checked first
// under the configured lockout policy.
func (s *AccountService) ChangeEmailFromKey(ctx context.Context, password, key, newEmail string) (ok bool, err error) {
	ctx, done := s.track(ctx, "change_email_from_key")
	defer func() { done(ok, err) }()

	if s.security.EmailIsUsername || isBlank(password) || isBlank(key) || isBlank(newEmail) {
		return false, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByKey(ctx, key)
		if err != nil || a == nil {
			return err
		}
		authenticated, err := s.authenticate(ctx, a, password,
			s.security.AccountLockoutFailedLoginAttempts, s.security.AccountLockoutDuration)
		if err != nil || !authenticated {
			return err
		}

		oldEmail := a.Email
		ok, err = a.ChangeEmailFromKey(key, newEmail)
		if err != nil || !ok {
			return err
		}
		if err := s.accounts.Update(ctx, a); err != nil {
			ok = false
			return err
		}
		s.logger.Info().Str("account_id", a.ID.String()).Msg("email changed")
		return s.notify(ctx, "email_changed", func(n notification.Notifier) error {
			return n.EmailChanged(ctx, a, oldEmail)
		})
	})
	if err != nil {
		return false, s.storageError(err, "failed to change email")
	}
	return ok, nil
}

// =============================================================================
// Claims
// =============================================================================

// AddClaim adds a (type, value) claim to the account.
func (s *AccountService) AddClaim(ctx context.Context, tenant, username, claimType, value string) (bool, error) {
	return s.mutateClaims(ctx, "add_claim", tenant, username, func(a *domain.Account) error {
		return a.AddClaim(claimType, value)
	})
}

// RemoveClaim removes every claim of claimType from the account.
func (s *AccountService) RemoveClaim(ctx context.Context, tenant, username, claimType string) (bool, error) {
	return s.mutateClaims(ctx, "remove_claim", tenant, username, func(a *domain.Account) error {
		return a.RemoveClaim(claimType)
	})
}

// RemoveClaimValue removes one (type, value) claim from the account.
func (s *AccountService) RemoveClaimValue(ctx context.Context, tenant, username, claimType, value string) (bool, error) {
	return s.mutateClaims(ctx, "remove_claim", tenant, username, func(a *domain.Account) error {
		return a.RemoveClaimValue(claimType, value)
	})
}

func (s *AccountService) mutateClaims(ctx context.Context, op, tenant, username string, mutate func(*domain.Account) error) (ok bool, err error) {
	ctx, done := s.track(ctx, op)
	defer func() { done(ok, err) }()

	tenant, valid := s.resolveTenant(tenant)
	if !valid || isBlank(username) {
		return false, nil
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		a, err := s.findByUsername(ctx, tenant, username)
		if err != nil || a == nil {
			return err
		}
		if err := mutate(a); err != nil {
			return err
		}
		if err := s.accounts.Update(ctx, a); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, s.storageError(err, "failed to update claims")
	}
	return ok, nil
}

// =============================================================================
// Helpers
// =============================================================================

// resolveTenant applies the default tenant when multi-tenancy is off.
func (s *AccountService) resolveTenant(tenant string) (string, bool) {
	if !s.security.MultiTenant {
		tenant = s.security.DefaultTenant
	}
	if isBlank(tenant) {
		return "", false
	}
	return tenant, true
}

func (s *AccountService) validatePassword(password string) error {
	if s.policy != nil && !s.policy.Validate(password) {
		return domain.NewValidationError(msgInvalidPasswordPrefix + s.policy.Message())
	}
	return nil
}

func (s *AccountService) findByUsername(ctx context.Context, tenant, username string) (*domain.Account, error) {
	return s.load(ctx, func(ctx context.Context) (*domain.Account, error) {
		return s.accounts.FindByUsername(ctx, tenant, username)
	})
}

func (s *AccountService) findByEmail(ctx context.Context, tenant, email string) (*domain.Account, error) {
	return s.load(ctx, func(ctx context.Context) (*domain.Account, error) {
		return s.accounts.FindByEmail(ctx, tenant, email)
	})
}

func (s *AccountService) findByKey(ctx context.Context, key string) (*domain.Account, error) {
	return s.load(ctx, func(ctx context.Context) (*domain.Account, error) {
		return s.accounts.FindByVerificationKey(ctx, key)
	})
}

func (s *AccountService) withAccountLock(ctx context.Context, tenant, username string, fn func(context.Context) error) error {
	return lock.WithLock(ctx, s.locker, lock.Keys.Account(tenant, username), s.lockOpts, fn)
}

// load runs a lookup, mapping ErrNotFound to nil and binding the result.
func (s *AccountService) load(ctx context.Context, find func(context.Context) (*domain.Account, error)) (*domain.Account, error) {
	a, err := find(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.Bind(s.env), nil
}

// notify sends one notification if a notifier is configured.
// inTx runs fn in one transaction. Notifications fn queues are handed to the
// delivery only after the commit succeeds.
func (s *AccountService) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, outbox, owned := notification.WithOutbox(ctx)
	if err := s.tx.WithTx(ctx, fn); err != nil {
		if owned {
			outbox.Discard()
		}
		return err
	}
	if owned {
		outbox.Flush()
	}
	return nil
}

func (s *AccountService) notify(ctx context.Context, event string, send func(notification.Notifier) error) error {
	if s.notifier == nil {
		return nil
	}
	err := send(s.notifier)
	s.metrics.Notification(event, err)
	if err != nil {
		return fmt.Errorf("failed to send %s notification: %w", event, err)
	}
	return nil
}

// storageError passes caller-facing errors through and wraps the rest.
func (s *AccountService) storageError(err error, msg string) error {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrMultipleMatches),
		errors.Is(err, ErrInternalError),
		errors.Is(err, ErrConcurrentUpdate):
		return err
	case errors.Is(err, domain.ErrInvariantViolation):
		s.logger.Error().Err(err).Msg("account data violates a uniqueness guarantee")
		return err
	case errors.Is(err, repository.ErrConflict), errors.Is(err, lock.ErrNotAcquired):
		s.logger.Warn().Err(err).Msg(msg)
		return fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
	default:
		s.logger.Error().Err(err).Msg(msg)
		return fmt.Errorf("%w: %w", ErrInternalError, err)
	}
}

// track opens a span for op and returns the function that closes it.
func (s *AccountService) track(ctx context.Context, op string) (context.Context, func(ok bool, err error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "account."+op,
		trace.WithAttributes(attribute.String("account.operation", op)),
	)
	return ctx, func(ok bool, err error) {
		outcome := metrics.OutcomeSuccess
		switch {
		case err != nil:
			outcome = metrics.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case !ok:
			outcome = metrics.OutcomeRejected
		}
		span.SetAttributes(attribute.String("account.outcome", outcome))
		span.End()
		s.metrics.ObserveOperation(op, outcome, time.Since(start))
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
