package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/embedding"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/usage"
	"github.com/notehub/collabcore/internal/vectorindex"
)

// getTestDB connects to a real Postgres instance for integration tests.
// Skipped unless TEST_DATABASE_URL is set, matching notesrepo's
// convention.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}
	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if _, err := pool.Exec(context.Background(), `DELETE FROM api_key; DELETE FROM note; DELETE FROM principal; DELETE FROM tenant`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := pool.Exec(context.Background(), `
		INSERT INTO tenant (id, display_name, req_cap, req_window_secs, byte_cap, byte_window_secs)
		VALUES
			('tenant-1', 'Test Tenant', 1000, 60, 10000000, 60),
			('tenant-2', 'Other Tenant', 1000, 60, 10000000, 60)
	`); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return pool
}

type fakeAuthStore struct {
	tenants map[string]*auth.Tenant
}

func (s *fakeAuthStore) FindAPIKeyByDigest(ctx context.Context, digest []byte) (*auth.APIKeyRecord, error) {
	return nil, nil
}

func (s *fakeAuthStore) ResolveTenant(ctx context.Context, tenantID string) (*auth.Tenant, error) {
	return s.tenants[tenantID], nil
}

func (s *fakeAuthStore) TenantOwner(ctx context.Context, tenantID string) (*auth.Principal, error) {
	return nil, nil
}

type fakeSink struct{}

func (fakeSink) InsertUsage(ctx context.Context, records []usage.Record) error { return nil }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	pool := getTestDB(t)
	t.Cleanup(pool.Close)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tenant := &auth.Tenant{ID: "tenant-1", ReqCap: 1000, ReqWindow: time.Minute, ByteCap: 10_000_000, ByteWindow: time.Minute}
	otherTenant := &auth.Tenant{ID: "tenant-2", ReqCap: 1000, ReqWindow: time.Minute, ByteCap: 10_000_000, ByteWindow: time.Minute}
	gate := auth.NewGate(&fakeAuthStore{tenants: map[string]*auth.Tenant{tenant.ID: tenant, otherTenant.ID: otherTenant}}, auth.JWTCfg{Secret: "test-secret", Issuer: "collabcore"}, "rk_")
	token, err := auth.IssueToken(auth.JWTCfg{Secret: "test-secret", Issuer: "collabcore"}, "principal-1", tenant.ID, auth.RoleOwner, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	srv := &Server{
		Repo:    notesrepo.New(pool),
		Gate:    gate,
		Quota:   quota.NewEngine(rdb, quota.Config{DefaultReqCapacity: 1000, DefaultReqWindow: time.Minute, DefaultByteCapacity: 10_000_000, DefaultByteWindow: time.Minute}),
		Index:   vectorindex.NewRegistry(vectorindex.Config{SnapshotDir: t.TempDir(), Dimension: 8}),
		Embed:   embedding.Default(8),
		Usage:   usage.NewEmitter(context.Background(), fakeSink{}, 64),
		APIKeys: NewAPIKeyStore(pool),
	}
	return srv, token
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateGetListPatchDeleteNote(t *testing.T) {
	srv, token := newTestServer(t)
	h := srv.Routes()

	createRec := doJSON(t, h, http.MethodPost, "/v1/notes", token, map[string]string{"title": "hello", "body": "world"})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var created struct {
		NoteID string `json:"note_id"`
	}
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	getRec := doJSON(t, h, http.MethodGet, "/v1/notes/"+created.NoteID, token, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", getRec.Code)
	}
	etag := getRec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("get: expected an ETag header")
	}

	req304 := httptest.NewRequest(http.MethodGet, "/v1/notes/"+created.NoteID, nil)
	req304.Header.Set("Authorization", "Bearer "+token)
	req304.Header.Set("If-None-Match", etag)
	rec304 := httptest.NewRecorder()
	h.ServeHTTP(rec304, req304)
	if rec304.Code != http.StatusNotModified {
		t.Fatalf("conditional get: expected 304, got %d", rec304.Code)
	}

	listRec := doJSON(t, h, http.MethodGet, "/v1/notes", token, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", listRec.Code)
	}

	patchRec := doJSON(t, h, http.MethodPatch, "/v1/notes/"+created.NoteID, token, map[string]string{"title": "updated"})
	if patchRec.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", patchRec.Code, patchRec.Body.String())
	}

	staleReq := httptest.NewRequest(http.MethodPatch, "/v1/notes/"+created.NoteID, bytes.NewBufferString(`{"title":"stale"}`))
	staleReq.Header.Set("Authorization", "Bearer "+token)
	staleReq.Header.Set("If-Match", `W/"1"`)
	staleRec := httptest.NewRecorder()
	h.ServeHTTP(staleRec, staleReq)
	if staleRec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale if-match patch: expected 412, got %d", staleRec.Code)
	}

	deleteRec := doJSON(t, h, http.MethodDelete, "/v1/notes/"+created.NoteID, token, nil)
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", deleteRec.Code)
	}

	missingRec := doJSON(t, h, http.MethodGet, "/v1/notes/"+created.NoteID, token, nil)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", missingRec.Code)
	}
}

func TestSearch_ReturnsCreatedNote(t *testing.T) {
	srv, token := newTestServer(t)
	h := srv.Routes()

	createRec := doJSON(t, h, http.MethodPost, "/v1/notes", token, map[string]string{"title": "quarterly report", "body": "revenue is up"})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", createRec.Code)
	}

	searchRec := doJSON(t, h, http.MethodPost, "/v1/search", token, map[string]any{"query": "revenue", "top_k": 5})
	if searchRec.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d: %s", searchRec.Code, searchRec.Body.String())
	}
	var decoded struct {
		Results []searchResult `json:"results"`
	}
	if err := json.Unmarshal(searchRec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	if len(decoded.Results) == 0 {
		t.Fatal("expected at least one search result")
	}
}

func TestNoteRoutes_RejectMissingCredential(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodGet, "/v1/notes", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a credential, got %d", rec.Code)
	}
}
