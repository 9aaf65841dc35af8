package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/notehub/collabcore/internal/auth"
)

type searchResult struct {
	NoteID     string  `json:"note_id"`
	Similarity float64 `json:"similarity"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

const snippetLen = 200

// Search handles POST /v1/search {query, top_k} -> ranked matches (spec
// section 4.C / 6). Similarity is computed against the tenant's
// in-memory vector index; note bodies are fetched from the repository
// to build the response snippet, so a match whose underlying note was
// deleted between indexing and query is silently skipped.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())

	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "malformed request body")
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, "invalid", "query must not be empty")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > 100 {
		topK = 100
	}

	vec := s.Embed(req.Query)
	matches, err := s.Index.ForTenant(tenant.ID).Search(vec, topK)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "search query embedding did not match index dimension")
		return
	}

	results := make([]searchResult, 0, len(matches))
	for _, m := range matches {
		note, err := s.Repo.Get(r.Context(), tenant.ID, m.NoteID)
		if err != nil {
			continue
		}
		results = append(results, searchResult{
			NoteID:     note.ID,
			Similarity: m.Similarity,
			Title:      note.Title,
			Snippet:    snippet(note.Body, snippetLen),
			CreatedAt:  note.CreatedAt.UTC().Format(timeLayout),
			UpdatedAt:  note.UpdatedAt.UTC().Format(timeLayout),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func snippet(body string, n int) string {
	r := []rune(body)
	if len(r) <= n {
		return body
	}
	return string(r[:n]) + "..."
}
