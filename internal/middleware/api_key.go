// Package middleware provides authentication middleware for the pennon HTTP
// transport, including bearer-token validation, bcrypt-based API key hashing,
// per-IP rate limiting of failed attempts, and request logging.
package middleware

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// HashLookup resolves an API key ID to its stored secret hash.
type HashLookup interface {
	ValidateAPIKey(ctx context.Context, keyID string) (string, error)
}

// APIKeyValidator validates bearer tokens in the "keyID.secret" format
// against hashes stored by a HashLookup. It implements TokenValidator.
type APIKeyValidator struct {
	Lookup HashLookup
}

// ValidateToken splits the token into key ID and secret, fetches the stored
// hash for the key ID, and compares. Returns the key ID on success.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAuthorizationHeader
	}
	hash, err := v.Lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", errInvalidAuthorizationHeader
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAuthorizationHeader
	}
	return keyID, nil
}
