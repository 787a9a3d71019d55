package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for identity-JWT verification.
var (
	ErrJWTMalformed = errors.New("auth: malformed identity token")
	ErrJWTSignature = errors.New("auth: identity token signature mismatch")
	ErrJWTExpired   = errors.New("auth: identity token expired")
)

// HMACVerifier verifies HS256 identity JWTs issued by the upstream identity
// provider with a shared secret. Deployments fronted by a full provider SDK
// substitute their own IdentityVerifier.
type HMACVerifier struct {
	secret []byte
	issuer string // optional; checked when non-empty
}

// NewHMACVerifier creates a verifier for HS256 tokens signed with secret.
func NewHMACVerifier(secret []byte, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: secret, issuer: issuer}
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type jwtClaims struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Exp int64  `json:"exp"`
	Nbf int64  `json:"nbf"`
}

// Verify checks the signature and standard claims and returns the subject.
func (v *HMACVerifier) Verify(_ context.Context, token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrJWTMalformed
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrJWTMalformed
	}
	var header jwtHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return "", ErrJWTMalformed
	}
	if header.Alg != "HS256" {
		return "", fmt.Errorf("auth: unsupported identity token alg %q", header.Alg)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrJWTMalformed
	}
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", ErrJWTSignature
	}

	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrJWTMalformed
	}
	var claims jwtClaims
	if err := json.Unmarshal(claimsRaw, &claims); err != nil {
		return "", ErrJWTMalformed
	}

	now := time.Now().Unix()
	if claims.Exp != 0 && now > claims.Exp {
		return "", ErrJWTExpired
	}
	if claims.Nbf != 0 && now < claims.Nbf {
		return "", ErrJWTExpired
	}
	if v.issuer != "" && claims.Iss != v.issuer {
		return "", ErrJWTSignature
	}
	if claims.Sub == "" {
		return "", ErrJWTMalformed
	}
	return claims.Sub, nil
}

// StaticVerifier accepts a fixed token→subject mapping. Test helper.
type StaticVerifier map[string]string

// Verify implements IdentityVerifier.
func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if sub, ok := v[token]; ok {
		return sub, nil
	}
	return "", ErrJWTSignature
}
