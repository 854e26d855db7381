package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token type tags carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the statements embedded in every signed token: sub, iat, exp, the
// access/refresh type tag, and for refresh tokens the session id in jti.
type Claims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// NewAccessClaims builds access-token claims for the given user.
func NewAccessClaims(userID string, now time.Time, ttl time.Duration) Claims {
	return Claims{
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

// NewRefreshClaims builds refresh-token claims with a fresh random session id,
// returned alongside the claims for persistence.
func NewRefreshClaims(userID string, now time.Time, ttl time.Duration) (Claims, string) {
	jti := uuid.NewString()

	return Claims{
		TokenType: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}, jti
}

// Sign renders claims as an HS256 compact token.
func Sign(claims Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("jwt.Sign: %w", err)
	}

	return signed, nil
}

// Parse validates signature and expiry and returns the claims. Any defect,
// signature or expiry alike, surfaces as ErrInvalidToken.
func Parse(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
