package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestHashTokenRoundTrip(t *testing.T) {
	token, err := GenerateAdminToken()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, adminTokenPrefix))

	hash, err := HashToken(token)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "argon2id$"))

	ok, err := VerifyToken(token, hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyToken(token+"x", hash)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = VerifyToken(token, "bcrypt$whatever")
	require.ErrorIs(t, err, ErrInvalidHash)
}

func TestIdentityVerifier(t *testing.T) {
	v, err := NewIdentityVerifier("s3cret", "portal")
	require.NoError(t, err)

	token, err := v.Issue(Identity{AccountID: "u1", Email: "a@example.com", Name: "Ada"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, Identity{AccountID: "u1", Email: "a@example.com", Name: "Ada"}, id)

	other, err := NewIdentityVerifier("other", "portal")
	require.NoError(t, err)
	_, err = other.Verify(token)
	require.True(t, errors.Is(err, ErrInvalidToken))

	wrongIssuer, err := NewIdentityVerifier("s3cret", "elsewhere")
	require.NoError(t, err)
	_, err = wrongIssuer.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentityVerifierRejectsExpiredAndUnsigned(t *testing.T) {
	v, err := NewIdentityVerifier("s3cret", "")
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = v.Verify(signed)
	require.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := v.Issue(Identity{}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(noSubject)
	require.ErrorIs(t, err, ErrInvalidToken)
}
