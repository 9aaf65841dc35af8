// Package auth implements the Auth & Tenant Gate (spec section 4.A): it
// resolves an inbound credential to a (Principal, Tenant) pair and exposes
// the role check every other component guards its mutations with.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"time"
)

// Failure modes. All three are non-retryable by the client.
var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrExpired         = errors.New("auth: credential expired")
	ErrForbidden       = errors.New("auth: forbidden")
)

// Tenant is the minimal tenant projection the gate and its callers need.
// The authoritative record lives in the external store; the core never
// mutates it.
type Tenant struct {
	ID          string
	DisplayName string
	ReqCap      int           // 0 means "use the deployment default"
	ReqWindow   time.Duration
	ByteCap     int
	ByteWindow  time.Duration
}

// Principal is the authenticated identity attached to a request context.
type Principal struct {
	ID       string
	TenantID string
	Role     Role
}

// APIKeyRecord is the store-resident shape behind an API key credential.
// Only Digest is ever compared; the secret itself is never stored.
type APIKeyRecord struct {
	ID        string
	TenantID  string
	Digest    []byte
	ExpiresAt *time.Time // nil means no expiry
}

// Credential is a closed sum type: exactly one of APIKey or Bearer is set.
// A request presenting both resolves via Bearer (spec section 4.A: "When
// both are presented, the bearer token wins").
type Credential struct {
	APIKey *APIKeyCredential
	Bearer *BearerCredential
}

// APIKeyCredential is the header-bound secret after stripping the
// configured prefix, not yet digested.
type APIKeyCredential struct {
	Secret string
}

// BearerCredential is a raw, not-yet-parsed JWT.
type BearerCredential struct {
	Token string
}

// Store is the narrow slice of the tenant/principal/api-key tables the
// gate needs to resolve credentials. It is satisfied by httpapi's
// Postgres-backed api key store.
type Store interface {
	FindAPIKeyByDigest(ctx context.Context, digest []byte) (*APIKeyRecord, error)
	ResolveTenant(ctx context.Context, tenantID string) (*Tenant, error)
	TenantOwner(ctx context.Context, tenantID string) (*Principal, error)
}

// Gate is the stateful half of the Auth & Tenant Gate: configuration plus
// a handle on the store it resolves credentials against.
type Gate struct {
	store        Store
	jwtCfg       JWTCfg
	apiKeyPrefix string
}

func NewGate(store Store, jwtCfg JWTCfg, apiKeyPrefix string) *Gate {
	return &Gate{store: store, jwtCfg: jwtCfg, apiKeyPrefix: apiKeyPrefix}
}

// ExtractCredential parses the Authorization header into a Credential. It
// performs no store lookups and no signature verification.
func (g *Gate) ExtractCredential(authHeader string) (Credential, error) {
	if authHeader == "" {
		return Credential{}, ErrUnauthenticated
	}
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		if token == "" {
			return Credential{}, ErrUnauthenticated
		}
		// A JWT is structurally three dot-separated segments; a key-prefixed
		// token is not. This lets a caller send either scheme through the
		// same Authorization header without an additional content hint.
		if looksLikeJWT(token) {
			return Credential{Bearer: &BearerCredential{Token: token}}, nil
		}
		if strings.HasPrefix(token, g.apiKeyPrefix) {
			return Credential{APIKey: &APIKeyCredential{Secret: strings.TrimPrefix(token, g.apiKeyPrefix)}}, nil
		}
		return Credential{}, ErrUnauthenticated
	}
	return Credential{}, ErrUnauthenticated
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

// Authenticate resolves a Credential to (Principal, Tenant). Bearer wins
// over API key per spec section 4.A; digest comparisons are constant-time.
func (g *Gate) Authenticate(ctx context.Context, cred Credential) (*Principal, *Tenant, error) {
	if cred.Bearer != nil {
		return g.authenticateBearer(ctx, cred.Bearer)
	}
	if cred.APIKey != nil {
		return g.authenticateAPIKey(ctx, cred.APIKey)
	}
	return nil, nil, ErrUnauthenticated
}

func (g *Gate) authenticateAPIKey(ctx context.Context, cred *APIKeyCredential) (*Principal, *Tenant, error) {
	if cred.Secret == "" {
		return nil, nil, ErrUnauthenticated
	}
	digest := DigestSecret(cred.Secret)
	record, err := g.store.FindAPIKeyByDigest(ctx, digest)
	if err != nil {
		return nil, nil, ErrUnauthenticated
	}
	if record == nil || !ConstantTimeDigestEqual(digest, record.Digest) {
		return nil, nil, ErrUnauthenticated
	}
	if record.ExpiresAt != nil && time.Now().After(*record.ExpiresAt) {
		return nil, nil, ErrExpired
	}
	tenant, err := g.store.ResolveTenant(ctx, record.TenantID)
	if err != nil || tenant == nil {
		return nil, nil, ErrUnauthenticated
	}
	// "resolves to the tenant's Owner principal when used as an API key" —
	// the gate fails closed if no Owner exists for that tenant.
	owner, err := g.store.TenantOwner(ctx, record.TenantID)
	if err != nil || owner == nil {
		return nil, nil, ErrUnauthenticated
	}
	return owner, tenant, nil
}

func (g *Gate) authenticateBearer(ctx context.Context, cred *BearerCredential) (*Principal, *Tenant, error) {
	claims, err := ParseAndValidate(cred.Token, g.jwtCfg)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil, nil, ErrExpired
		}
		return nil, nil, ErrUnauthenticated
	}
	tenant, err := g.store.ResolveTenant(ctx, claims.TenantID)
	if err != nil || tenant == nil {
		return nil, nil, ErrUnauthenticated
	}
	return &Principal{ID: claims.PrincipalID, TenantID: claims.TenantID, Role: claims.Role}, tenant, nil
}

// RequireRole is the derived check spec section 4.A names:
// principal.role >= min_role, else Forbidden.
func RequireRole(p *Principal, min Role) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if !p.Role.AtLeast(min) {
		return ErrForbidden
	}
	return nil
}

// DigestSecret computes the deterministic one-way digest the store holds
// in place of a secret (spec section 3, "Credential").
func DigestSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// ConstantTimeDigestEqual compares two digests without leaking timing
// information about where they first differ.
func ConstantTimeDigestEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
