package domain

import (
	"encoding/json"
	"slices"
	"strings"
)

// Claim is a (type, value) attribute attached to an account.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ClaimSet holds claims keyed by (type, value), so a pair is stored at most once.
type ClaimSet map[Claim]struct{}

// NewClaimSet creates a ClaimSet containing the given claims.
func NewClaimSet(claims ...Claim) ClaimSet {
	s := make(ClaimSet, len(claims))
	for _, c := range claims {
		s[c] = struct{}{}
	}
	return s
}

// List returns the claims ordered by type, then value.
func (s ClaimSet) List() []Claim {
	out := make([]Claim, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Claim) int {
		if n := strings.Compare(a.Type, b.Type); n != 0 {
			return n
		}
		return strings.Compare(a.Value, b.Value)
	})
	return out
}

// Values returns the sorted values of every claim with the given type.
func (s ClaimSet) Values(claimType string) []string {
	var out []string
	for c := range s {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	slices.Sort(out)
	return out
}

// MarshalJSON encodes the set as an ordered list.
func (s ClaimSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON decodes a list of claims, dropping duplicate pairs.
func (s *ClaimSet) UnmarshalJSON(data []byte) error {
	var claims []Claim
	if err := json.Unmarshal(data, &claims); err != nil {
		return err
	}
	*s = NewClaimSet(claims...)
	return nil
}

// HasClaim reports whether the account has any claim of the given type.
func (a *Account) HasClaim(claimType string) (bool, error) {
	if isBlank(claimType) {
		return false, RequiredArgument("type")
	}
	for c := range a.Claims {
		if c.Type == claimType {
			return true, nil
		}
	}
	return false, nil
}

// HasClaimValue reports whether the account has the exact (type, value) claim.
func (a *Account) HasClaimValue(claimType, value string) (bool, error) {
	if isBlank(claimType) {
		return false, RequiredArgument("type")
	}
	if isBlank(value) {
		return false, RequiredArgument("value")
	}
	_, ok := a.Claims[Claim{Type: claimType, Value: value}]
	return ok, nil
}

// GetClaimValue returns the single value of a claim type, or "" when absent.
// More than one value is ErrMultipleMatches.
func (a *Account) GetClaimValue(claimType string) (string, error) {
	if isBlank(claimType) {
		return "", RequiredArgument("type")
	}
	values := a.Claims.Values(claimType)
	switch len(values) {
	case 0:
		return "", nil
	case 1:
		return values[0], nil
	default:
		return "", NewDomainError(ErrMultipleMatches, "claim has more than one value", claimType)
	}
}

// GetClaimValues returns every value of a claim type.
func (a *Account) GetClaimValues(claimType string) ([]string, error) {
	if isBlank(claimType) {
		return nil, RequiredArgument("type")
	}
	return a.Claims.Values(claimType), nil
}

// AddClaim adds a claim. Adding an existing pair is a no-op.
func (a *Account) AddClaim(claimType, value string) error {
	if isBlank(claimType) {
		return RequiredArgument("type")
	}
	if isBlank(value) {
		return RequiredArgument("value")
	}
	if a.Claims == nil {
		a.Claims = NewClaimSet()
	}
	a.Claims[Claim{Type: claimType, Value: value}] = struct{}{}
	return nil
}

// RemoveClaim removes every claim of the given type.
func (a *Account) RemoveClaim(claimType string) error {
	if isBlank(claimType) {
		return RequiredArgument("type")
	}
	for c := range a.Claims {
		if c.Type == claimType {
			delete(a.Claims, c)
		}
	}
	return nil
}

// RemoveClaimValue removes the exact (type, value) claim if present.
func (a *Account) RemoveClaimValue(claimType, value string) error {
	if isBlank(claimType) {
		return RequiredArgument("type")
	}
	if isBlank(value) {
		return RequiredArgument("value")
	}
	delete(a.Claims, Claim{Type: claimType, Value: value})
	return nil
}
