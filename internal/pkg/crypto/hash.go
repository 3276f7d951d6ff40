// Package crypto provides the cryptographic primitives behind account credentials.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Provider implements domain.CryptoProvider with bcrypt password hashes
// and SHA-256 value hashes.
type Provider struct {
	cost int
}

// NewProvider creates a Provider. Costs outside bcrypt's range fall back to bcrypt.DefaultCost.
func NewProvider(cost int) *Provider {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Provider{cost: cost}
}

// Cost returns the bcrypt cost used for new hashes.
func (p *Provider) Cost() int {
	return p.cost
}

// GenerateSalt returns a fresh random salt.
func (p *Provider) GenerateSalt() (string, error) {
	return GenerateSalt()
}

// HashPassword returns the bcrypt hash of password.
func (p *Provider) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// VerifyHashedPassword reports whether password matches the bcrypt hash.
func (p *Provider) VerifyHashedPassword(hashedPassword, password string) bool {
	if hashedPassword == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// Hash returns the base64 encoded SHA-256 digest of value.
func (p *Provider) Hash(value string) string {
	return ComputeSHA256(value)
}

// ComputeSHA256 computes the base64 encoded SHA-256 digest of a string.
func ComputeSHA256(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.StdEncoding.EncodeToString(sum[:])
}
