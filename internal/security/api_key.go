package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyPrefix is the prefix used for generated API keys.
const apiKeyPrefix = "clg_"

// apiKeyPrefixLen is how many characters of a key form its public lookup
// prefix, stored in the clear for indexed lookup.
const apiKeyPrefixLen = 12

// bcryptCost defines the bcrypt work factor for key hashes.
const bcryptCost = 10

// GenerateAPIKey creates a new random API key string.
func GenerateAPIKey() (token string, err error) {
	secret := make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	token = apiKeyPrefix + hex.EncodeToString(secret)
	return token, nil
}

// APIKeyPrefix returns the public lookup prefix of a full key.
func APIKeyPrefix(token string) string {
	if len(token) < apiKeyPrefixLen {
		return token
	}
	return token[:apiKeyPrefixLen]
}

// HashAPIKey hashes a full API key for storage.
func HashAPIKey(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// CheckAPIKey compares a stored hash with a presented key.
func CheckAPIKey(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
