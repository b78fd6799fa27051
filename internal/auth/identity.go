package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid identity token")

// Identity is the caller resolved from a token or trusted headers.
type Identity struct {
	AccountID string
	Email     string
	Name      string
}

// IdentityVerifier checks HS256 identity tokens issued by the fronting
// application.
type IdentityVerifier struct {
	secret []byte
	issuer string
}

func NewIdentityVerifier(secret, issuer string) (*IdentityVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity secret required")
	}
	return &IdentityVerifier{secret: []byte(secret), issuer: issuer}, nil
}

type identityClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verify parses token and returns the identity in its claims.
func (v *IdentityVerifier) Verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims identityClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{AccountID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// Issue signs a token for id valid for ttl.
func (v *IdentityVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("ttl must be > 0")
	}
	now := time.Now()
	claims := identityClaims{
		Email: id.Email,
		Name:  id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AccountID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
