// Package crypto provides the cryptographic primitives behind account credentials.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// SaltSize is the number of random bytes in a generated salt.
const SaltSize = 16

// GenerateSalt returns SaltSize random bytes, base64 encoded.
// The result may contain '+', '/' and '='; callers that embed it in
// URLs strip those.
func GenerateSalt() (string, error) {
	return generateRandomString(SaltSize)
}

// generateRandomString reads n random bytes and encodes them as standard base64.
func generateRandomString(n int) (string, error) {
	randomBytes := make([]byte, n)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(randomBytes), nil
}
