package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notehub/collabcore/internal/auth"
)

const apiKeySecretPrefix = "rk_"

// APIKeyStore backs both the Auth & Tenant Gate's credential resolution
// (it satisfies auth.Store) and the /v1/api-keys management endpoints,
// against the same tenant/principal/api_key tables. Translated from
// original_source/api/routers/api_keys.py's ORM queries into plain SQL.
type APIKeyStore struct {
	db *pgxpool.Pool
}

func NewAPIKeyStore(db *pgxpool.Pool) *APIKeyStore {
	return &APIKeyStore{db: db}
}

func (s *APIKeyStore) FindAPIKeyByDigest(ctx context.Context, digest []byte) (*auth.APIKeyRecord, error) {
	var rec auth.APIKeyRecord
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, digest, expires_at FROM api_key WHERE digest = $1
	`, digest).Scan(&rec.ID, &rec.TenantID, &rec.Digest, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *APIKeyStore) ResolveTenant(ctx context.Context, tenantID string) (*auth.Tenant, error) {
	var t auth.Tenant
	var reqWindowSecs, byteWindowSecs int
	err := s.db.QueryRow(ctx, `
		SELECT id, display_name, req_cap, req_window_secs, byte_cap, byte_window_secs
		FROM tenant WHERE id = $1
	`, tenantID).Scan(&t.ID, &t.DisplayName, &t.ReqCap, &reqWindowSecs, &t.ByteCap, &byteWindowSecs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.ReqWindow = time.Duration(reqWindowSecs) * time.Second
	t.ByteWindow = time.Duration(byteWindowSecs) * time.Second
	return &t, nil
}

func (s *APIKeyStore) TenantOwner(ctx context.Context, tenantID string) (*auth.Principal, error) {
	var p auth.Principal
	var role string
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, role FROM principal WHERE tenant_id = $1 AND role = 'owner' ORDER BY id LIMIT 1
	`, tenantID).Scan(&p.ID, &p.TenantID, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Role = auth.ParseRole(role)
	return &p, nil
}

func generateAPIKeySecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return apiKeySecretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

type apiKeyInfo struct {
	ID        string     `json:"id"`
	CreatedAt string     `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateAPIKey handles POST /v1/api-keys {expires_at?} -> the secret,
// shown exactly once (spec section 5 supplemented feature).
func (s *Server) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())

	var req struct {
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body")
			return
		}
	}

	secret, err := generateAPIKeySecret()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to generate api key")
		return
	}
	// The gate strips the prefix before digesting, so store the digest of
	// the part after it.
	digest := auth.DigestSecret(secret[len(apiKeySecretPrefix):])
	id := uuid.NewString()
	now := time.Now()

	_, err = s.APIKeys.db.Exec(r.Context(), `
		INSERT INTO api_key (id, tenant_id, digest, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, tenant.ID, digest, now, req.ExpiresAt)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to store api key")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         id,
		"key":        secret,
		"created_at": now.UTC().Format(timeLayout),
		"expires_at": req.ExpiresAt,
	})
}

// ListAPIKeys handles GET /v1/api-keys -> metadata only, never the secret.
func (s *Server) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())

	rows, err := s.APIKeys.db.Query(r.Context(), `
		SELECT id, created_at, expires_at FROM api_key WHERE tenant_id = $1 ORDER BY created_at
	`, tenant.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to list api keys")
		return
	}
	defer rows.Close()

	out := []apiKeyInfo{}
	for rows.Next() {
		var info apiKeyInfo
		var createdAt time.Time
		if err := rows.Scan(&info.ID, &createdAt, &info.ExpiresAt); err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal", "failed to list api keys")
			return
		}
		info.CreatedAt = createdAt.UTC().Format(timeLayout)
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteAPIKey handles DELETE /v1/api-keys/{id}.
func (s *Server) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	tag, err := s.APIKeys.db.Exec(r.Context(), `
		DELETE FROM api_key WHERE id = $1 AND tenant_id = $2
	`, id, tenant.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to delete api key")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(w, r, http.StatusNotFound, "not-found", "api key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
