package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/notehub/collabcore/internal/auth"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

// maxRequestBodyBytes is the byte charge QuotaMiddleware falls back to
// when Content-Length is absent (chunked transfer encoding reports -1),
// so an unmeasured body still consumes the byte bucket instead of being
// charged zero.
const maxRequestBodyBytes = 1 << 20

// CorrelationMiddleware reads X-Correlation-ID, generating one if the
// client didn't supply it, and attaches a logger carrying it to the
// request context for end-to-end tracing across logs.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// AuthMiddleware resolves the Authorization header into a (Principal,
// Tenant) pair and attaches it to the request context (spec section
// 4.A). Requests failing authentication never reach a route handler.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, err := s.Gate.ExtractCredential(r.Header.Get("Authorization"))
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		principal, tenant, err := s.Gate.Authenticate(r.Context(), cred)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		ctx := auth.WithPrincipal(r.Context(), principal, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case auth.ErrExpired:
		writeError(w, r, http.StatusUnauthorized, "expired", "credential expired")
	case auth.ErrForbidden:
		writeError(w, r, http.StatusForbidden, "forbidden", "insufficient role")
	default:
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing or invalid credential")
	}
}

// RequireRole returns middleware rejecting principals below min with 403.
func RequireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing principal")
				return
			}
			if err := auth.RequireRole(principal, min); err != nil {
				writeError(w, r, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// QuotaMiddleware enforces the per-tenant request bucket (spec section
// 4.B) for every REST call, annotating the response with
// X-RateLimit-Remaining and X-RateLimit-BytesRemaining and returning 429
// with Retry-After on denial. The limit and reset headers
// (X-RateLimit-Limit, X-RateLimit-BytesLimit, X-RateLimit-Reset) are not
// set.
func (s *Server) QuotaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := auth.TenantFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "missing tenant context")
			return
		}
		bytesN := int(r.ContentLength)
		if bytesN < 0 {
			// ContentLength is -1 when absent (e.g. chunked transfer encoding);
			// TryConsume treats bytesN<=0 as "skip the byte bucket", so an
			// unknown length must not silently bypass the byte charge.
			bytesN = maxRequestBodyBytes
		}
		decision, err := s.Quota.TryConsume(r.Context(), tenant.ID, quotaSurfaceREST, bytesN, s.tenantQuotaOverride(tenant))
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal", "quota check failed")
			return
		}
		setQuotaHeaders(w, decision)
		if !decision.Allowed {
			w.Header().Set("Retry-After", itoa(int(decision.RetryAfter.Seconds())))
			writeError(w, r, http.StatusTooManyRequests, "quota-exceeded", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
