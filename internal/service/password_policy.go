package service

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/prn-tf/membership/internal/config"
)

// PasswordPolicy judges password strength. It is consulted before every
// password assignment: account creation, change, and reset completion.
type PasswordPolicy interface {
	// Validate reports whether password satisfies the policy.
	Validate(password string) bool

	// Message describes the policy to the user.
	Message() string
}

// BasicPasswordPolicy counts character classes.
type BasicPasswordPolicy struct {
	MinLength          int
	MinUpperCase       int
	MinLowerCase       int
	MinDigits          int
	MinNonAlphanumeric int
}

// NewPasswordPolicy builds the configured policy, or nil when it is disabled.
func NewPasswordPolicy(cfg config.PasswordPolicyConfig) PasswordPolicy {
	if !cfg.Enabled {
		return nil
	}
	return &BasicPasswordPolicy{
		MinLength:          cfg.MinLength,
		MinUpperCase:       cfg.MinUpperCase,
		MinLowerCase:       cfg.MinLowerCase,
		MinDigits:          cfg.MinDigits,
		MinNonAlphanumeric: cfg.MinNonAlphanumeric,
	}
}

// Validate implements PasswordPolicy.
func (p *BasicPasswordPolicy) Validate(password string) bool {
	var length, upper, lower, digits, other int
	for _, r := range password {
		length++
		switch {
		case unicode.IsUpper(r):
			upper++
		case unicode.IsLower(r):
			lower++
		case unicode.IsDigit(r):
			digits++
		case !unicode.IsLetter(r):
			other++
		}
	}
	return length >= p.MinLength &&
		upper >= p.MinUpperCase &&
		lower >= p.MinLowerCase &&
		digits >= p.MinDigits &&
		other >= p.MinNonAlphanumeric
}

// Message implements PasswordPolicy.
func (p *BasicPasswordPolicy) Message() string {
	var rules []string
	add := func(n int, what string) {
		if n > 0 {
			rules = append(rules, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(p.MinUpperCase, "upper case letter(s)")
	add(p.MinLowerCase, "lower case letter(s)")
	add(p.MinDigits, "digit(s)")
	add(p.MinNonAlphanumeric, "non-alphanumeric character(s)")

	msg := fmt.Sprintf("Password must be at least %d characters long", p.MinLength)
	if len(rules) > 0 {
		msg += " and contain at least " + strings.Join(rules, ", ")
	}
	return msg + "."
}
