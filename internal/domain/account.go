// Package domain contains the core business entities for the membership service.
// Account is a plain data type; every state transition goes through its methods.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountState is derived from an account's flags.
type AccountState string

const (
	StateUnverified    AccountState = "unverified"
	StateActive        AccountState = "active"
	StateLoginDisabled AccountState = "login_disabled"
	StateClosed        AccountState = "closed"
)

// Account is one registered identity.
type Account struct {
	// ID is assigned at creation and never changes.
	ID uuid.UUID `json:"id"`

	Tenant   string `json:"tenant"`
	Username string `json:"username"`
	Email    string `json:"email"`

	// CreatedAt is set at construction.
	CreatedAt time.Time `json:"created_at"`

	// HashedPassword should never be exposed in API responses.
	HashedPassword    string    `json:"-"`
	PasswordChangedAt time.Time `json:"password_changed_at"`

	IsAccountVerified bool `json:"is_account_verified"`
	IsLoginAllowed    bool `json:"is_login_allowed"`
	IsAccountClosed   bool `json:"is_account_closed"`

	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	LastFailedLoginAt *time.Time `json:"last_failed_login_at,omitempty"`
	FailedLoginCount  int        `json:"failed_login_count"`

	// Pending is the outstanding one-time operation, if any.
	Pending *PendingOperation `json:"pending,omitempty"`

	Claims ClaimSet `json:"claims"`

	// Version is the optimistic concurrency token. Repositories own it.
	Version int64 `json:"-"`

	env Env
}

// NewAccount creates an account bound to env.
// With requireVerification the account starts unverified with a fresh
// verification key; otherwise it starts verified with no pending key.
func NewAccount(env Env, tenant, username, password, email string, requireVerification, allowLogin bool) (*Account, error) {
	if !env.bound() {
		return nil, ErrAccountUnbound
	}
	for _, arg := range []struct{ name, value string }{
		{"tenant", tenant},
		{"username", username},
		{"password", password},
		{"email", email},
	} {
		if isBlank(arg.value) {
			return nil, RequiredArgument(arg.name)
		}
	}

	a := &Account{
		ID:                uuid.New(),
		Tenant:            tenant,
		Username:          username,
		Email:             email,
		CreatedAt:         env.Now(),
		IsAccountVerified: !requireVerification,
		IsLoginAllowed:    allowLogin,
		Claims:            NewClaimSet(),
		env:               env,
	}

	if err := a.SetPassword(password); err != nil {
		return nil, err
	}

	if requireVerification {
		if err := a.issuePending(PendingVerifyAccount, ""); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Bind attaches env to an account loaded from storage.
func (a *Account) Bind(env Env) *Account {
	a.env = env
	return a
}

// Clone returns a deep copy, keeping the bound Env.
func (a *Account) Clone() *Account {
	c := *a
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		c.LastLoginAt = &t
	}
	if a.LastFailedLoginAt != nil {
		t := *a.LastFailedLoginAt
		c.LastFailedLoginAt = &t
	}
	if a.Pending != nil {
		p := *a.Pending
		c.Pending = &p
	}
	c.Claims = NewClaimSet(a.Claims.List()...)
	return &c
}

// State derives the lifecycle state from the account flags.
func (a *Account) State() AccountState {
	switch {
	case a.IsAccountClosed:
		return StateClosed
	case !a.IsAccountVerified:
		return StateUnverified
	case !a.IsLoginAllowed:
		return StateLoginDisabled
	default:
		return StateActive
	}
}

// VerificationKey returns the pending key, or "" when none is pending.
func (a *Account) VerificationKey() string {
	if a.Pending == nil {
		return ""
	}
	return a.Pending.Token
}

// isBlank reports whether s is empty or only whitespace.
func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func (a *Account) environment() (Env, error) {
	if !a.env.bound() {
		return Env{}, ErrAccountUnbound
	}
	return a.env, nil
}

func (a *Account) issuePending(kind PendingKind, emailProof string) error {
	salt, err := a.env.Crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("failed to generate verification key: %w", err)
	}
	a.Pending = &PendingOperation{
		Kind:       kind,
		Token:      emailProof + StripUglyBase64(salt),
		IssuedAt:   a.env.Now(),
		EmailProof: emailProof,
	}
	return nil
}

// pendingFresh returns the pending operation when it is of kind and not stale.
func (a *Account) pendingFresh(kind PendingKind, now time.Time) *PendingOperation {
	p := a.Pending
	if p == nil || p.Kind != kind || p.IsStale(a.env.KeyLifetime, now) {
		return nil
	}
	return p
}

// VerifyAccount consumes the verification key. It returns false without
// mutating anything when the key is empty, wrong, or the account is already verified.
func (a *Account) VerifyAccount(key string) bool {
	if isBlank(key) || a.IsAccountVerified {
		return false
	}
	if a.Pending == nil || a.Pending.Kind != PendingVerifyAccount || a.Pending.Token != key {
		return false
	}
	a.IsAccountVerified = true
	a.Pending = nil
	return true
}

// SetPassword re-hashes the password and stamps PasswordChangedAt.
// Strength policy is the caller's concern.
func (a *Account) SetPassword(password string) error {
	if isBlank(password) {
		return NewValidationError("Invalid password.")
	}
	env, err := a.environment()
	if err != nil {
		return err
	}
	hashed, err := env.Crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	a.HashedPassword = hashed
	a.PasswordChangedAt = env.Now()
	return nil
}

// Authenticate checks password against the stored hash, applying lockout.
// While locked out the failure counter keeps growing.
func (a *Account) Authenticate(password string, lockoutThreshold int, lockoutWindow time.Duration) (bool, error) {
	if lockoutThreshold <= 0 {
		return false, NewDomainError(ErrInvalidArgument, "must be greater than zero", "lockoutThreshold")
	}
	env, err := a.environment()
	if err != nil {
		return false, err
	}

	if isBlank(password) || !a.IsAccountVerified || !a.IsLoginAllowed {
		return false, nil
	}

	now := env.Now()
	if IsLockedOut(a.FailedLoginCount, a.LastFailedLoginAt, lockoutThreshold, lockoutWindow, now) {
		a.FailedLoginCount++
		return false, nil
	}

	if env.Crypto.VerifyHashedPassword(a.HashedPassword, password) {
		a.LastLoginAt = &now
		a.FailedLoginCount = 0
		return true, nil
	}

	a.LastFailedLoginAt = &now
	a.FailedLoginCount++
	return false, nil
}

// ChangePassword authenticates with oldPassword and then sets newPassword.
func (a *Account) ChangePassword(oldPassword, newPassword string, lockoutThreshold int, lockoutWindow time.Duration) (bool, error) {
	ok, err := a.Authenticate(oldPassword, lockoutThreshold, lockoutWindow)
	if err != nil || !ok {
		return false, err
	}
	if err := a.SetPassword(newPassword); err != nil {
		return false, err
	}
	return true, nil
}

// ResetPassword issues a reset key unless a fresh one is already pending.
// Returns false only for unverified accounts.
func (a *Account) ResetPassword() (bool, error) {
	env, err := a.environment()
	if err != nil {
		return false, err
	}
	if !a.IsAccountVerified {
		return false, nil
	}
	if a.pendingFresh(PendingResetPassword, env.Now()) == nil {
		if err := a.issuePending(PendingResetPassword, ""); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ChangePasswordFromResetKey completes a reset started by ResetPassword.
func (a *Account) ChangePasswordFromResetKey(key, newPassword string) (bool, error) {
	env, err := a.environment()
	if err != nil {
		return false, err
	}
	if isBlank(key) || !a.IsAccountVerified {
		return false, nil
	}
	p := a.pendingFresh(PendingResetPassword, env.Now())
	if p == nil || p.Token != key {
		return false, nil
	}
	if err := a.SetPassword(newPassword); err != nil {
		return false, err
	}
	a.Pending = nil
	return true, nil
}

// ChangeEmailRequest issues a key bound to newEmail. A fresh key for the same
// address is left untouched.
func (a *Account) ChangeEmailRequest(newEmail string) (bool, error) {
	if isBlank(newEmail) {
		return false, NewValidationError("Invalid email.")
	}
	env, err := a.environment()
	if err != nil {
		return false, err
	}
	if !a.IsAccountVerified {
		return false, nil
	}

	proof := ChangeEmailProof(env.Crypto, newEmail)
	p := a.pendingFresh(PendingChangeEmail, env.Now())
	if p == nil || p.EmailProof != proof {
		if err := a.issuePending(PendingChangeEmail, proof); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ChangeEmailFromKey confirms a change-email key for newEmail.
// A key minted for another address or another flow is rejected.
func (a *Account) ChangeEmailFromKey(key, newEmail string) (bool, error) {
	if isBlank(newEmail) {
		return false, NewValidationError("Invalid email.")
	}
	env, err := a.environment()
	if err != nil {
		return false, err
	}
	if isBlank(key) {
		return false, nil
	}
	p := a.pendingFresh(PendingChangeEmail, env.Now())
	if p == nil || p.Token != key {
		return false, nil
	}
	if p.EmailProof != ChangeEmailProof(env.Crypto, newEmail) {
		return false, nil
	}
	a.Email = newEmail
	a.Pending = nil
	return true, nil
}

// Close permanently disables login and marks the account closed.
func (a *Account) Close() {
	a.IsLoginAllowed = false
	a.IsAccountClosed = true
}
