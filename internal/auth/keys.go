// Package auth handles the API keys accepted by the dataplane server.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// keyPrefix marks keys minted by GenerateKey.
const keyPrefix = "dp_"

// HashKey returns a SHA-256 hash of the key. Only hashes are configured on
// the server, so a leaked config file does not leak a usable key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GenerateKey returns a new random key and its hash.
func GenerateKey() (key, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	key = keyPrefix + hex.EncodeToString(buf)
	return key, HashKey(key), nil
}
