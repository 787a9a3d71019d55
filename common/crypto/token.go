package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Credential prefixes. Scheme detection is a cheap prefix test that happens
// before any store lookup, so the prefixes must be mutually distinct.
const (
	PrefixAPIKey       = "cb_"
	PrefixAccessToken  = "cbo_"
	PrefixRefreshToken = "cbr_"
	PrefixClientSecret = "cbs_"
)

// Digest returns the lowercase hex SHA-256 digest of the credential. Records
// are keyed by digest so raw key material is never stored.
func Digest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// MintToken generates a fresh credential with the given prefix and 32 bytes
// of entropy, base64url-encoded without padding.
func MintToken(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("crypto: generate token entropy: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// ConstantTimeEqual compares two strings without leaking their contents
// through timing. Used for client-secret digest comparison.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// S256Challenge computes the PKCE S256 code challenge for a verifier:
// base64url(sha256(verifier)), no padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
