package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// PendingKind identifies which one-time flow a pending key belongs to.
type PendingKind string

const (
	// PendingVerifyAccount gates initial account verification.
	PendingVerifyAccount PendingKind = "verify_account"

	// PendingResetPassword gates completing a password reset.
	PendingResetPassword PendingKind = "reset_password"

	// PendingChangeEmail gates confirming a new email address.
	PendingChangeEmail PendingKind = "change_email"
)

// changeEmailTag is mixed into the email proof so it cannot collide with other hashes.
const changeEmailTag = "changeEmail"

// PendingOperation is the single outstanding one-time operation of an account.
// Key and issue time exist together or not at all.
type PendingOperation struct {
	// Kind is the flow this key unlocks.
	Kind PendingKind `json:"kind"`

	// Token is the opaque key handed to the user. For change-email operations
	// it starts with EmailProof.
	Token string `json:"-"`

	// IssuedAt is when the key was minted.
	IssuedAt time.Time `json:"issued_at"`

	// EmailProof binds a change-email operation to its target address.
	// Empty for other kinds.
	EmailProof string `json:"-"`
}

// IsStale reports whether the operation is older than lifetime at now.
func (p *PendingOperation) IsStale(lifetime time.Duration, now time.Time) bool {
	return IsStale(p.IssuedAt, lifetime, now)
}

// IsStale reports whether a key issued at issuedAt has outlived lifetime.
// A key issued exactly lifetime ago is still fresh.
func IsStale(issuedAt time.Time, lifetime time.Duration, now time.Time) bool {
	return issuedAt.Before(now.Add(-lifetime))
}

// IsLockedOut reports whether failed logins currently suppress authentication.
// A failure exactly window ago still counts.
func IsLockedOut(failedCount int, lastFailedAt *time.Time, threshold int, window time.Duration, now time.Time) bool {
	if failedCount < threshold || lastFailedAt == nil {
		return false
	}
	return !lastFailedAt.Before(now.Add(-window))
}

var uglyBase64 = strings.NewReplacer("+", "", "/", "", "=", "")

// StripUglyBase64 removes the base64 characters that are unsafe in URLs.
func StripUglyBase64(s string) string {
	return uglyBase64.Replace(s)
}

// ChangeEmailProof derives the deterministic proof binding a change-email key to email.
func ChangeEmailProof(crypto CryptoProvider, email string) string {
	lowered := cases.Lower(language.Und).String(email)
	return StripUglyBase64(crypto.Hash(changeEmailTag + lowered))
}
