package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("k1"))
	token, expireAt, err := Generate(opts, "u1", "u1@x.io", []string{"chat"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), expireAt, time.Minute)

	claims, err := Verify(opts, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1@x.io", claims.Email)
	assert.Equal(t, []string{"chat"}, claims.Scopes)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("k1")), "u1", "", nil)
	require.NoError(t, err)
	_, err = Verify(DefaultOptions([]byte("k2")), token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	opts := DefaultOptions([]byte("k1"))
	past := time.Now().Add(-time.Hour)
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "u1",
		"iat": past.Add(-time.Hour).Unix(),
		"exp": past.Unix(),
	})
	signed, err := tok.SignedString(opts.Secret)
	require.NoError(t, err)
	_, err = Verify(opts, signed)
	assert.Error(t, err)
}

func TestUnsupportedAlg(t *testing.T) {
	opts := Options{Secret: []byte("k"), Alg: "RS256"}
	_, _, err := Generate(opts, "u1", "", nil)
	assert.Error(t, err)
}
