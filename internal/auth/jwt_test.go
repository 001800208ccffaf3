package auth

import (
	"context"
	"testing"
	"time"

	"github.com/chatcore/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestVerifyRoundTrip(t *testing.T) {
	tok, err := IssueToken(secret, "user-1", time.Hour)
	require.NoError(t, err)

	uid, err := NewJWTVerifier(secret).Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)
}

func TestVerifyRejects(t *testing.T) {
	v := NewJWTVerifier(secret)
	ctx := context.Background()

	expired, err := IssueToken(secret, "user-1", -time.Hour)
	require.NoError(t, err)
	wrongKey, err := IssueToken("other", "user-1", time.Hour)
	require.NoError(t, err)
	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"wrong key": wrongKey,
		"no sub":    noSub,
	} {
		_, err := v.Verify(ctx, tok)
		assert.ErrorIs(t, err, apperr.ErrAuth, name)
	}
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken("Bearer "))
}
