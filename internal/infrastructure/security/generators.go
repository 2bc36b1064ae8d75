// Package security provides secure random generation utilities
package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// GenerateULID generates a new ULID string. Visitor and session identifiers
// are ULIDs so they sort by creation time on the backend.
func GenerateULID() string {
	return ulid.Make().String()
}

// GenerateSecureToken generates a cryptographically secure random token suitable for URLs.
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
