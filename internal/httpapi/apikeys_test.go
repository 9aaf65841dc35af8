package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/notehub/collabcore/internal/auth"
)

func TestCreateListDeleteAPIKey(t *testing.T) {
	srv, token := newTestServer(t)
	h := srv.Routes()

	createRec := doJSON(t, h, http.MethodPost, "/v1/api-keys", token, nil)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !strings.HasPrefix(created.Key, "rk_") {
		t.Fatalf("expected secret with rk_ prefix, got %q", created.Key)
	}

	listRec := doJSON(t, h, http.MethodGet, "/v1/api-keys", token, nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", listRec.Code)
	}
	if strings.Contains(listRec.Body.String(), created.Key) {
		t.Fatal("list response must never expose the api key secret")
	}
	var listed []apiKeyInfo
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	found := false
	for _, info := range listed {
		if info.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected created key %s in list, got %+v", created.ID, listed)
	}

	deleteRec := doJSON(t, h, http.MethodDelete, "/v1/api-keys/"+created.ID, token, nil)
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", deleteRec.Code, deleteRec.Body.String())
	}

	missingRec := doJSON(t, h, http.MethodDelete, "/v1/api-keys/"+created.ID, token, nil)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("re-delete: expected 404, got %d", missingRec.Code)
	}
}

func TestAPIKeyRoutes_RejectNonOwner(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	editorToken, err := auth.IssueToken(auth.JWTCfg{Secret: "test-secret", Issuer: "collabcore"}, "principal-2", "tenant-1", auth.RoleEditor, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/api-keys", editorToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for an editor creating an api key, got %d", rec.Code)
	}
}

func TestDeleteAPIKey_ScopedToOwningTenant(t *testing.T) {
	srv, token := newTestServer(t)
	h := srv.Routes()

	createRec := doJSON(t, h, http.MethodPost, "/v1/api-keys", token, nil)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", createRec.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	otherToken, err := auth.IssueToken(auth.JWTCfg{Secret: "test-secret", Issuer: "collabcore"}, "principal-3", "tenant-2", auth.RoleOwner, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rec := doJSON(t, h, http.MethodDelete, "/v1/api-keys/"+created.ID, otherToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected a different tenant's delete to 404 instead of removing the key, got %d: %s", rec.Code, rec.Body.String())
	}

	ownTenantRec := doJSON(t, h, http.MethodDelete, "/v1/api-keys/"+created.ID, token, nil)
	if ownTenantRec.Code != http.StatusOK {
		t.Fatalf("owning tenant delete: expected 200, got %d: %s", ownTenantRec.Code, ownTenantRec.Body.String())
	}
}
