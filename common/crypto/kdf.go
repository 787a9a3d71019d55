package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFRounds is the PBKDF2 iteration count for payload-key derivation.
	KDFRounds = 100_000

	// PayloadSalt is the fixed salt for the relay payload-at-rest key,
	// derived once at startup from the configured payload secret.
	PayloadSalt = "crossbus-payload-v1"
)

// DeriveKey stretches secret into a 32-byte AES key with
// PBKDF2-SHA256(secret, salt, 100 000 rounds).
//
// The KDF is deliberately slow; derive once at startup, never per request.
func DeriveKey(secret, salt string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), KDFRounds, KeySize, sha256.New)
}
