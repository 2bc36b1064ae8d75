// Package security provides session token utilities
package security

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrNoExpiry is returned when a session token carries no exp claim.
var ErrNoExpiry = errors.New("session token has no expiry claim")

// TokenExpiry extracts the expiry timestamp from a signed session token
// without verifying the signature. The runtime never holds the signing
// secret; the backend is the authority on token validity, the client only
// needs the expiry to schedule refresh.
func TokenExpiry(tokenString string) (time.Time, error) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return time.Time{}, err
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, ErrNoExpiry
	}
	sec, frac := int64(exp), exp-float64(int64(exp))
	return time.Unix(sec, int64(frac*float64(time.Second))), nil
}

// ValidateToken validates a signed session token and returns its claims.
// Used by hosts that hold the workspace secret (server-side embedding).
func ValidateToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// TokensEqual compares two tokens in constant time relative to their
// length, so change detection on push or session tokens cannot leak
// content through timing.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
