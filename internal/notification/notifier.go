// Package notification renders account emails and hands them to a delivery transport.
package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/domain"
)

// Notifier receives account lifecycle events after they are persisted.
type Notifier interface {
	AccountCreated(ctx context.Context, account *domain.Account) error
	AccountVerified(ctx context.Context, account *domain.Account) error
	AccountClosed(ctx context.Context, account *domain.Account) error
	PasswordResetRequested(ctx context.Context, account *domain.Account) error
	PasswordChanged(ctx context.Context, account *domain.Account) error
	UsernameReminder(ctx context.Context, account *domain.Account) error
	// EmailChangeRequested is delivered to newEmail, not the current address.
	EmailChangeRequested(ctx context.Context, account *domain.Account, newEmail string) error
	EmailChanged(ctx context.Context, account *domain.Account, oldEmail string) error
}

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// MessageDelivery sends a rendered message.
type MessageDelivery interface {
	Send(ctx context.Context, msg Message) error
}

// AppInfo carries the values substituted into templates. The URL fields are
// prefixes; the account's pending key is appended.
type AppInfo struct {
	ApplicationName         string
	EmailSignature          string
	LoginURL                string
	VerifyAccountURL        string
	CancelNewAccountURL     string
	ConfirmPasswordResetURL string
	ConfirmChangeEmailURL   string
}

// AppInfoFromConfig derives the link prefixes from the configured base URL.
func AppInfoFromConfig(cfg config.NotificationConfig) AppInfo {
	base := strings.TrimRight(cfg.BaseURL, "/")
	return AppInfo{
		ApplicationName:         cfg.ApplicationName,
		EmailSignature:          cfg.EmailSignature,
		LoginURL:                base + "/login",
		VerifyAccountURL:        base + "/accounts/verify/",
		CancelNewAccountURL:     base + "/accounts/cancel/",
		ConfirmPasswordResetURL: base + "/password/reset/",
		ConfirmChangeEmailURL:   base + "/email/confirm/",
	}
}

// EmailNotifier renders the built-in templates and passes them to a MessageDelivery.
type EmailNotifier struct {
	delivery MessageDelivery
	app      AppInfo
	logger   zerolog.Logger
}

// NewEmailNotifier creates an EmailNotifier.
func NewEmailNotifier(delivery MessageDelivery, app AppInfo, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		delivery: delivery,
		app:      app,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}
}

var _ Notifier = (*EmailNotifier)(nil)

// AccountCreated asks the user to confirm (or cancel) a new account.
func (n *EmailNotifier) AccountCreated(ctx context.Context, a *domain.Account) error {
	return n.deliver(ctx, a.Email, "Account Created", n.render(accountCreatedTemplate, a))
}

// AccountVerified confirms that login is now possible.
func (n *EmailNotifier) AccountVerified(ctx context.Context, a *domain.Account) error {
	return n.deliver(ctx, a.Email, "Account Verified", n.render(accountVerifiedTemplate, a))
}

// AccountClosed confirms deletion or closure.
func (n *EmailNotifier) AccountClosed(ctx context.Context, a *domain.Account) error {
	return n.deliver(ctx, a.Email, "Account Closed", n.render(accountClosedTemplate, a))
}

// PasswordResetRequested sends the reset link.
func (n *EmailNotifier) PasswordResetRequested(ctx context.Context, a *domain.Account) error {
	return n.deliver(ctx, a.Email, "Password Reset Request", n.render(passwordResetTemplate, a))
}

// PasswordChanged notifies about a completed password change.
func (n *EmailNotifier) PasswordChanged(ctx context.Context, a *domain.Account) error {
	return n.deliver(ctx, a.Email, "Password Changed", n.render(passwordChangedTemplate, a))
}

// UsernameReminder sends the username to the account's email.
func (n *EmailNotifier) UsernameReminder(ctx context.Context, a *domain.Account) error {
	return n.deliver(ctx, a.Email, "Username Reminder", n.render(usernameReminderTemplate, a))
}

// EmailChangeRequested sends the confirmation link to the new address.
func (n *EmailNotifier) EmailChangeRequested(ctx context.Context, a *domain.Account, newEmail string) error {
	body := n.render(emailChangeRequestTemplate, a, "{newEmail}", newEmail, "{oldEmail}", a.Email)
	return n.deliver(ctx, newEmail, "Change Email Request", body)
}

// EmailChanged confirms the new address.
func (n *EmailNotifier) EmailChanged(ctx context.Context, a *domain.Account, oldEmail string) error {
	body := n.render(emailChangedTemplate, a, "{newEmail}", a.Email, "{oldEmail}", oldEmail)
	return n.deliver(ctx, a.Email, "Email Changed", body)
}

// render replaces the standard tokens, then any extra old/new pairs.
func (n *EmailNotifier) render(tmpl string, a *domain.Account, extra ...string) string {
	key := a.VerificationKey()
	pairs := append([]string{
		"{username}", a.Username,
		"{email}", a.Email,
		"{applicationName}", n.app.ApplicationName,
		"{emailSignature}", n.app.EmailSignature,
		"{loginUrl}", n.app.LoginURL,
		"{confirmAccountCreateUrl}", n.app.VerifyAccountURL + key,
		"{cancelNewAccountUrl}", n.app.CancelNewAccountURL + key,
		"{confirmPasswordResetUrl}", n.app.ConfirmPasswordResetURL + key,
		"{confirmChangeEmailUrl}", n.app.ConfirmChangeEmailURL + key,
	}, extra...)
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func (n *EmailNotifier) deliver(ctx context.Context, to, subject, body string) error {
	msg := Message{
		To:      to,
		Subject: fmt.Sprintf("[%s] %s", n.app.ApplicationName, subject),
		Body:    body,
	}
	if err := n.delivery.Send(ctx, msg); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("failed to deliver notification")
		return fmt.Errorf("failed to deliver %q: %w", subject, err)
	}
	return nil
}
