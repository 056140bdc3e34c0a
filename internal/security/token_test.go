package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminTokenRoundTrip(t *testing.T) {
	token, err := GenerateAdminToken("s3cret", "ops", []string{AdminScope}, time.Minute)
	require.NoError(t, err)

	claims, err := ParseAdminToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.HasScope(AdminScope))
	assert.False(t, claims.HasScope("images:write"))
}

func TestParseAdminTokenRejects(t *testing.T) {
	valid, err := GenerateAdminToken("s3cret", "ops", []string{AdminScope}, time.Minute)
	require.NoError(t, err)
	expired, err := GenerateAdminToken("s3cret", "ops", []string{AdminScope}, -time.Minute)
	require.NoError(t, err)

	_, err = ParseAdminToken(valid, "other")
	assert.ErrorIs(t, err, jwt.ErrSignatureInvalid)

	_, err = ParseAdminToken(expired, "s3cret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = ParseAdminToken(valid, "")
	assert.ErrorIs(t, err, ErrNoSecret)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseAdminToken(unsigned, "s3cret")
	assert.Error(t, err)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS512, AdminClaims{Scopes: []string{AdminScope}})
	signed, err := noExp.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ParseAdminToken(signed, "s3cret")
	assert.Error(t, err)

	_, err = GenerateAdminToken("", "ops", nil, time.Minute)
	assert.ErrorIs(t, err, ErrNoSecret)
}
