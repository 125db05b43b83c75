package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	token, err := svc.Issue("a1", "c1")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "a1", claims.AgentID)
	assert.Equal(t, "c1", claims.ClientID)
}

func TestTokenExpiry(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	svc := NewTokenService("secret", time.Minute)
	svc.SetClock(func() time.Time { return base })

	token, err := svc.Issue("a1", "c1")
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	token, err := NewTokenService("secret", time.Minute).Issue("a1", "c1")
	require.NoError(t, err)

	_, err = NewTokenService("other", time.Minute).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRequiresSecretAndIDs(t *testing.T) {
	_, err := NewTokenService("", time.Minute).Issue("a1", "c1")
	assert.ErrorIs(t, err, ErrNoSigningSecret)

	_, err = NewTokenService("secret", time.Minute).Issue("", "c1")
	assert.Error(t, err)
}
