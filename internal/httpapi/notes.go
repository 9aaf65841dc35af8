package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/notesrepo"
)

type noteResponse struct {
	NoteID    string `json:"note_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toNoteResponse(n notesrepo.Note) noteResponse {
	return noteResponse{
		NoteID:    n.ID,
		Title:     n.Title,
		Body:      n.Body,
		Version:   n.Version,
		CreatedAt: n.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: n.UpdatedAt.UTC().Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func weakETag(version int) string { return fmt.Sprintf(`W/"%d"`, version) }

// CreateNote handles POST /v1/notes {title, body} -> 201 note id.
func (s *Server) CreateNote(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body")
		return
	}

	note, err := s.Repo.Create(r.Context(), tenant.ID, req.Title, req.Body)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to create note")
		return
	}

	idx := s.Index.ForTenant(tenant.ID)
	if err := idx.Upsert(note.ID, s.Embed(note.Title+"\n"+note.Body)); err != nil {
		// Indexing failure must not fail the write; search is eventually
		// consistent (spec section 3, "Vector Record").
	}

	writeJSON(w, http.StatusCreated, map[string]string{"note_id": note.ID})
}

// GetNote handles GET /v1/notes/{id}, honouring If-None-Match for
// conditional GET (spec section 6).
func (s *Server) GetNote(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	note, err := s.Repo.Get(r.Context(), tenant.ID, id)
	if errors.Is(err, notesrepo.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not-found", "note not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to load note")
		return
	}

	etag := weakETag(note.Version)
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, toNoteResponse(note))
}

// ListNotes handles GET /v1/notes?skip=&limit=, newest first.
func (s *Server) ListNotes(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	skip := parseSkip(r.URL.Query().Get("skip"))
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)

	notes, err := s.Repo.List(r.Context(), tenant.ID, limit, skip)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to list notes")
		return
	}

	out := make([]noteResponse, len(notes))
	for i, n := range notes {
		out[i] = toNoteResponse(n)
	}
	writeJSON(w, http.StatusOK, out)
}

// PatchNote handles PATCH /v1/notes/{id} {title?, body?} -> {version}.
// An optional If-Match header makes this symmetric with the streaming
// surface's version-guarded commit; when absent, the patch is applied
// with Repo.Patch, a single unconditional statement rather than a
// read-then-conditional-write, so a concurrent writer can never turn an
// unconditional PATCH into a spurious 412.
func (s *Server) PatchNote(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var body struct {
		Title *string `json:"title"`
		Body  *string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body")
		return
	}

	patch := notesrepo.Patch{Title: body.Title, Body: body.Body}

	if _, hasIfMatch := parseIfMatch(r); !hasIfMatch {
		note, err := s.Repo.Patch(r.Context(), tenant.ID, id, patch)
		if errors.Is(err, notesrepo.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not-found", "note not found")
			return
		}
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal", "failed to patch note")
			return
		}
		idx := s.Index.ForTenant(tenant.ID)
		_ = idx.Upsert(note.ID, s.Embed(note.Title+"\n"+note.Body))
		writeJSON(w, http.StatusOK, map[string]int{"version": note.Version})
		return
	}

	expectedVersion, _ := parseIfMatch(r)
	result, err := s.Repo.CommitVersioned(r.Context(), tenant.ID, id, expectedVersion, patch)
	switch {
	case errors.Is(err, notesrepo.ErrVersionMismatch):
		writeError(w, r, http.StatusPreconditionFailed, "version-mismatch", "stale version")
		return
	case errors.Is(err, notesrepo.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not-found", "note not found")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to patch note")
		return
	}

	idx := s.Index.ForTenant(tenant.ID)
	_ = idx.Upsert(result.Note.ID, s.Embed(result.Note.Title+"\n"+result.Note.Body))

	writeJSON(w, http.StatusOK, map[string]int{"version": result.Note.Version})
}

// DeleteNote handles DELETE /v1/notes/{id} -> {deleted: true}; soft
// delete.
func (s *Server) DeleteNote(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.Repo.SoftDelete(r.Context(), tenant.ID, id); err != nil {
		if errors.Is(err, notesrepo.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not-found", "note not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal", "failed to delete note")
		return
	}

	s.Index.ForTenant(tenant.ID).Delete(id)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// parseIfMatch extracts a version number from an If-Match header,
// handling both quoted ("W/\"5\"") and bare forms.
func parseIfMatch(r *http.Request) (int, bool) {
	v := r.Header.Get("If-Match")
	if v == "" {
		return 0, false
	}
	v = trimWeakETag(v)
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func trimWeakETag(s string) string {
	if len(s) > 2 && s[0:2] == "W/" {
		s = s[2:]
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s
}
