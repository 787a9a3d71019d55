package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/internal/store"
)

// Store is the subset of the persistence layer the validator needs.
type Store interface {
	GetAPIKey(ctx context.Context, keyHash string) (*store.APIKey, error)
	TouchAPIKey(ctx context.Context, keyHash string) error
	ValidateAccessToken(ctx context.Context, tokenHash string) (*store.OAuthToken, error)
	ResolveTenant(ctx context.Context, identifier string) (string, error)
}

// IdentityVerifier validates an identity JWT from the upstream provider and
// returns its subject. Implementations wrap the provider SDK; tests use a
// static verifier.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// Validator performs multi-scheme credential validation and tenant
// canonicalization.
type Validator struct {
	store    Store
	identity IdentityVerifier
	// touch runs the fire-and-forget lastUsedAt stamp; overridable in tests.
	touch func(keyHash string)
}

// NewValidator creates a Validator. identity may be nil, in which case the
// identity-JWT path rejects every credential.
func NewValidator(st Store, identity IdentityVerifier) *Validator {
	v := &Validator{store: st, identity: identity}
	v.touch = func(keyHash string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.TouchAPIKey(ctx, keyHash); err != nil {
			slog.Warn("auth: failed to stamp key last-used", "err", err)
		}
	}
	return v
}

// DetectScheme classifies a credential by prefix without any store lookup.
// Returns "" for unrecognised credentials.
func DetectScheme(credential string) string {
	switch {
	case strings.HasPrefix(credential, "eyJ"):
		return SchemeIdentity
	case strings.HasPrefix(credential, crypto.PrefixAccessToken):
		return SchemeOAuth
	case strings.HasPrefix(credential, crypto.PrefixAPIKey):
		return SchemeAPIKey
	default:
		return ""
	}
}

// Validate converts a raw credential into an Identity or an auth error.
// Tenant resolution failures never fail authentication; they log and leave
// the subject as-is.
func (v *Validator) Validate(ctx context.Context, credential string) (*Identity, error) {
	switch DetectScheme(credential) {
	case SchemeAPIKey:
		return v.validateAPIKey(ctx, credential)
	case SchemeOAuth:
		return v.validateAccessToken(ctx, credential)
	case SchemeIdentity:
		return v.validateIdentityJWT(ctx, credential)
	default:
		return nil, ErrUnauthenticated
	}
}

func (v *Validator) validateAPIKey(ctx context.Context, credential string) (*Identity, error) {
	keyHash := crypto.Digest(credential)
	key, err := v.store.GetAPIKey(ctx, keyHash)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrUnauthenticated
		}
		if errors.Is(err, store.ErrKeyInactive) ||
			errors.Is(err, store.ErrKeyRevoked) ||
			errors.Is(err, store.ErrKeyExpired) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	id := &Identity{
		TenantID:     v.canonicalTenant(ctx, key.TenantID),
		ProgramID:    key.ProgramID,
		Scheme:       SchemeAPIKey,
		KeyHash:      keyHash,
		Capabilities: key.Capabilities,
		RateTier:     key.RateTier,
	}

	go v.touch(keyHash)
	return id, nil
}

func (v *Validator) validateAccessToken(ctx context.Context, credential string) (*Identity, error) {
	tokenHash := crypto.Digest(credential)
	token, err := v.store.ValidateAccessToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, store.ErrTokenInvalid) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	tenant := v.canonicalTenant(ctx, token.TenantID)
	var scopes []string
	if token.Scope != "" {
		scopes = strings.Fields(token.Scope)
	}

	return &Identity{
		TenantID:  tenant,
		ProgramID: ProgramOAuth,
		Scheme:    SchemeOAuth,
		KeyHash:   tokenHash,
		Scopes:    scopes,
		RateTier:  "standard",
	}, nil
}

func (v *Validator) validateIdentityJWT(ctx context.Context, credential string) (*Identity, error) {
	if v.identity == nil {
		return nil, ErrUnauthorized
	}
	subject, err := v.identity.Verify(ctx, credential)
	if err != nil {
		return nil, ErrUnauthorized
	}

	tenant := v.canonicalTenant(ctx, subject)
	return &Identity{
		TenantID:  tenant,
		ProgramID: ProgramMobile,
		Scheme:    SchemeIdentity,
		KeyHash:   crypto.Digest(credential),
		RateTier:  "standard",
	}, nil
}

// canonicalTenant consults the alternate-identity map. Resolution errors log
// and fall back to the validated subject; they must never block auth.
func (v *Validator) canonicalTenant(ctx context.Context, subject string) string {
	canonical, err := v.store.ResolveTenant(ctx, subject)
	if err != nil && !errors.Is(err, store.ErrTenantNotFound) {
		slog.Warn("auth: tenant resolution failed", "subject", subject, "err", err)
		return subject
	}
	return canonical
}
