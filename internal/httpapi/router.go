// Package httpapi is the Request/Response CRUD surface adapter (spec
// section 4.G): chi routes translating HTTP verbs into core operations,
// carrying no business logic beyond transport shaping, argument
// validation, and response/error encoding.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/embedding"
	"github.com/notehub/collabcore/internal/notesrepo"
	"github.com/notehub/collabcore/internal/quota"
	"github.com/notehub/collabcore/internal/usage"
	"github.com/notehub/collabcore/internal/vectorindex"
)

const quotaSurfaceREST = quota.SurfaceREST

// Server holds every dependency the REST handlers need. It carries no
// state of its own beyond these references — all mutable state lives in
// the components it wires together.
type Server struct {
	Repo    *notesrepo.Repository
	Gate    *auth.Gate
	Quota   *quota.Engine
	Index   *vectorindex.Registry
	Embed   embedding.Func
	Usage   *usage.Emitter
	APIKeys *APIKeyStore

	// Stream serves the streaming edit surface (spec section 4.E/4.G). It
	// is set by cmd/server, wiring the separately constructed wsapi.Server
	// without httpapi importing that package directly.
	Stream http.HandlerFunc
}

// Routes builds the full router: health check, then authenticated and
// quota-gated note CRUD, search, and api-key management.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if s.Stream != nil {
		r.Get("/stream/notes/{id}", s.Stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		r.Use(s.QuotaMiddleware)
		r.Use(s.usageMiddleware)

		r.Route("/v1/notes", func(r chi.Router) {
			r.Get("/", s.ListNotes)
			r.Post("/", withRole(auth.RoleEditor, s.CreateNote))
			r.Get("/{id}", s.GetNote)
			r.Patch("/{id}", withRole(auth.RoleEditor, s.PatchNote))
			r.Delete("/{id}", withRole(auth.RoleEditor, s.DeleteNote))
		})

		r.Post("/v1/search", s.Search)

		r.Route("/v1/api-keys", func(r chi.Router) {
			r.Use(RequireRole(auth.RoleOwner))
			r.Post("/", s.CreateAPIKey)
			r.Get("/", s.ListAPIKeys)
			r.Delete("/{id}", s.DeleteAPIKey)
		})
	})

	log.Info().Msg("http routes registered")
	return r
}

func withRole(min auth.Role, h http.HandlerFunc) http.HandlerFunc {
	return RequireRole(min)(h).ServeHTTP
}

// usageMiddleware emits a usage record after the response is written,
// using the actual response size written to the client.
func (s *Server) usageMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &sizeTrackingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		tenant, ok := auth.TenantFromContext(r.Context())
		if !ok {
			return
		}
		principal, _ := auth.PrincipalFromContext(r.Context())
		principalID := ""
		if principal != nil {
			principalID = principal.ID
		}
		s.Usage.Emit(usage.Record{
			TenantID:  tenant.ID,
			Principal: principalID,
			Surface:   usage.Surface(quotaSurfaceREST),
			Endpoint:  r.URL.Path,
			Bytes:     sw.size,
		})
	})
}

type sizeTrackingWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *sizeTrackingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *sizeTrackingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// errorBody is the uniform error shape spec section 6 requires:
// {"error":{"code":"...","message":"..."}}.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode error response")
	}
}

func setQuotaHeaders(w http.ResponseWriter, d quota.Decision) {
	w.Header().Set("X-RateLimit-Remaining", itoa(d.RemainingReq))
	w.Header().Set("X-RateLimit-BytesRemaining", itoa(d.RemainingBytes))
}

func itoa(n int) string { return strconv.Itoa(n) }

func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseSkip(q string) int {
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) tenantQuotaOverride(t *auth.Tenant) quota.Config {
	return quota.Config{
		DefaultReqCapacity:  t.ReqCap,
		DefaultReqWindow:    t.ReqWindow,
		DefaultByteCapacity: t.ByteCap,
		DefaultByteWindow:   t.ByteWindow,
	}
}
