package service

import (
	"net/mail"
	"strings"
	"unicode"

	"github.com/prn-tf/membership/internal/domain"
)

// usernameSpecialChars are the punctuation characters allowed inside a username.
const usernameSpecialChars = ". _-'"

// validateEmail accepts a bare addr-spec such as "alice@example.com".
func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return domain.NewValidationError(msgInvalidEmail)
	}
	return nil
}

// validateUsername applies the username format rules. When the email is the
// username only the email format applies.
func validateUsername(username string, emailIsUsername bool) error {
	if emailIsUsername {
		return validateEmail(username)
	}
	if strings.Contains(username, "@") {
		return domain.NewValidationError(msgUsernameAtSign)
	}

	runes := []rune(username)
	for _, r := range runes {
		if !isLetterOrDigit(r) && !strings.ContainsRune(usernameSpecialChars, r) {
			return domain.NewValidationError(msgUsernameInvalidChars)
		}
	}
	if !isLetterOrDigit(runes[0]) || !isLetterOrDigit(runes[len(runes)-1]) {
		return domain.NewValidationError(msgUsernameStartEnd)
	}
	for _, c := range usernameSpecialChars {
		if strings.Contains(username, string([]rune{c, c})) {
			return domain.NewValidationError(msgUsernameRepeated)
		}
	}
	return nil
}

func isLetterOrDigit(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
