package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T, secret string, ttl time.Duration) *Issuer {
	iss, err := NewIssuer(secret, ttl)
	require.NoError(t, err)
	return iss
}

func TestTokenRoundTrip(t *testing.T) {
	iss := newIssuer(t, "s3cret", time.Hour)
	tok, err := iss.Generate("admin")
	require.NoError(t, err)

	claims, err := iss.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, "admin", claims.Username)
	require.Equal(t, "admin", claims.Subject)
}

func TestIssuerRequiresSecret(t *testing.T) {
	iss, err := NewIssuer("", time.Hour)
	require.ErrorIs(t, err, ErrNoSecret)
	require.Nil(t, iss)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	tok, err := newIssuer(t, "one", time.Hour).Generate("admin")
	require.NoError(t, err)
	_, err = newIssuer(t, "two", time.Hour).Parse(tok)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestTokenExpires(t *testing.T) {
	iss := newIssuer(t, "s3cret", time.Minute)
	tok, err := iss.Generate("admin")
	require.NoError(t, err)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = iss.Parse(tok)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestTokenRejectsGarbage(t *testing.T) {
	_, err := newIssuer(t, "s3cret", 0).Parse("not-a-jwt")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.True(t, CheckPassword(hash, "hunter2"))
	require.False(t, CheckPassword(hash, "hunter3"))
	require.False(t, CheckPassword("", "hunter2"))
}
