package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsLockedOut(t *testing.T) {
	now := testEpoch
	window := 5 * time.Minute
	atEdge := now.Add(-window)
	pastEdge := now.Add(-window - time.Second)

	tests := []struct {
		name       string
		failed     int
		lastFailed *time.Time
		want       bool
	}{
		{"below threshold", 2, &now, false},
		{"no failure time", 3, nil, false},
		{"at threshold within window", 3, &now, true},
		{"exactly at window edge", 3, &atEdge, true},
		{"one second past edge", 3, &pastEdge, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLockedOut(tt.failed, tt.lastFailed, 3, window, now))
		})
	}
}

func TestIsStale(t *testing.T) {
	now := testEpoch
	assert.False(t, IsStale(now.Add(-testLifetime), testLifetime, now))
	assert.True(t, IsStale(now.Add(-testLifetime-time.Second), testLifetime, now))
	assert.False(t, IsStale(now, testLifetime, now))
}

func TestStripUglyBase64(t *testing.T) {
	assert.Equal(t, "abcXYZ09", StripUglyBase64("a+b/c=XYZ09=="))
	assert.Empty(t, StripUglyBase64("+/="))
}

func TestChangeEmailProof(t *testing.T) {
	crypto := &fakeCrypto{}
	assert.Equal(t, ChangeEmailProof(crypto, "User@Example.COM"), ChangeEmailProof(crypto, "user@example.com"))
	assert.Equal(t, "hchangeEmailuser@example.com", ChangeEmailProof(crypto, "user@example.com"))
}
