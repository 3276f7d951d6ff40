package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// CryptoProvider produces salts and password hashes for accounts.
// Implementations must be safe for concurrent use.
type CryptoProvider interface {
	// GenerateSalt returns a fresh random token.
	GenerateSalt() (string, error)

	// HashPassword returns a one-way hash of the plaintext password.
	HashPassword(password string) (string, error)

	// VerifyHashedPassword reports whether password matches hashedPassword.
	VerifyHashedPassword(hashedPassword, password string) bool

	// Hash returns a deterministic, unkeyed hash of value.
	Hash(value string) string
}

// Env carries the collaborators an Account needs to perform transitions.
// It is built once at wiring time and shared read-only afterwards.
type Env struct {
	Crypto CryptoProvider
	Clock  clockwork.Clock

	// KeyLifetime is how long a pending one-time key stays valid.
	KeyLifetime time.Duration
}

// NewEnv creates an Env. A nil clock falls back to the real clock.
func NewEnv(crypto CryptoProvider, clock clockwork.Clock, keyLifetime time.Duration) Env {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return Env{
		Crypto:      crypto,
		Clock:       clock,
		KeyLifetime: keyLifetime,
	}
}

// Now returns the current time in UTC according to the Env clock.
func (e Env) Now() time.Time {
	return e.Clock.Now().UTC()
}

func (e Env) bound() bool {
	return e.Crypto != nil && e.Clock != nil
}
