package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer() *Issuer {
	return NewIssuer("access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	iss := newTestIssuer()
	token, err := iss.GenerateAccessToken("u1", "alice")
	require.NoError(t, err)

	claims, err := iss.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	iss := newTestIssuer()
	refresh, err := iss.GenerateRefreshToken("u1", 2)
	require.NoError(t, err)

	_, err = iss.ValidateAccessToken(refresh)
	require.ErrorIs(t, err, ErrInvalidToken)

	claims, err := iss.ValidateRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, 2, claims.TokenVersion)
}

func TestExpiredToken(t *testing.T) {
	iss := newTestIssuer()
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := iss.GenerateAccessToken("u1", "alice")
	require.NoError(t, err)

	iss.now = time.Now
	_, err = iss.ValidateAccessToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmptyToken(t *testing.T) {
	_, err := newTestIssuer().ValidateAccessToken("")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer abc"))
	assert.Equal(t, "abc", BearerToken("abc"))
	assert.Equal(t, "", BearerToken(""))
}

func TestRefreshCookie(t *testing.T) {
	c := RefreshCookie("tok", "localhost", false, time.Hour)
	assert.Equal(t, RefreshCookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, 3600, c.MaxAge)

	cleared := RefreshCookie("", "localhost", false, time.Hour)
	assert.Equal(t, -1, cleared.MaxAge)
}

func TestClaimsContext(t *testing.T) {
	ctx := WithClaims(context.Background(), &Claims{UserID: "u1"})
	claims, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", claims.UserID)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
