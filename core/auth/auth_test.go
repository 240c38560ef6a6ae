package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := GenerateToken(secret, "ops", RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestParseTokenRejects(t *testing.T) {
	secret := []byte("s3cret")

	expired, err := GenerateToken(secret, "ops", RoleAdmin, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.Error(t, err)

	good, err := GenerateToken(secret, "ops", RoleAdmin, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken([]byte("other"), good)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "ops", "iss": "qfmbot"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(secret, none)
	assert.Error(t, err)

	_, err = GenerateToken(nil, "ops", RoleAdmin, time.Hour)
	assert.Error(t, err)
}
