package esi

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex-encoded SHA-256 digest of a token value.
// Raw credential material never appears in cache keys or log fields.
func HashToken(token string) string {
	hasher := sha256.New()
	hasher.Write([]byte(token))
	return hex.EncodeToString(hasher.Sum(nil))
}

// CacheKey derives the access-token cache key for a token record. The key
// binds the record ID to a fingerprint of the current refresh token, so a
// refresh-token rotation invalidates old cache entries implicitly.
func CacheKey(tokenID, refreshToken string) string {
	return tokenID + ":" + HashToken(refreshToken)[:16]
}
