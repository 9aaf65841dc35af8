//go:build grpc

package rpcapi

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/notehub/collabcore/internal/auth"
	"github.com/notehub/collabcore/internal/quota"
)

// Gate is the narrow slice of auth.Gate the interceptor needs.
type Gate interface {
	ExtractCredential(authHeader string) (auth.Credential, error)
	Authenticate(ctx context.Context, cred auth.Credential) (*auth.Principal, *auth.Tenant, error)
}

// Quota is the narrow slice of quota.Engine the interceptor needs.
type Quota interface {
	TryConsume(ctx context.Context, tenant string, surface quota.Surface, bytesN int, overrides quota.Config) (quota.Decision, error)
}

// RecoveryInterceptor converts a panic in a handler into an Internal
// status instead of crashing the process, mirroring the REST surface's
// chi.Recoverer.
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("rpcapi: panic recovered")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// CorrelationIDInterceptor mirrors httpapi.CorrelationMiddleware: reads
// x-correlation-id from metadata, generating one if absent, and attaches
// a logger carrying it to the context.
func CorrelationIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		corrID := firstOrNew(md.Get("x-correlation-id"))
		logger := log.With().Str("correlation_id", corrID).Str("grpc_method", info.FullMethod).Logger()
		return handler(logger.WithContext(ctx), req)
	}
}

func firstOrNew(values []string) string {
	if len(values) > 0 && values[0] != "" {
		return values[0]
	}
	return uuid.NewString()
}

// AuthInterceptor resolves the "authorization" metadata entry into a
// (Principal, Tenant) pair, mirroring httpapi.AuthMiddleware.
func AuthInterceptor(gate Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		header := firstHeader(md, "authorization")
		cred, err := gate.ExtractCredential(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid credential")
		}
		principal, tenant, err := gate.Authenticate(ctx, cred)
		if err != nil {
			return nil, mapAuthErr(err)
		}
		return handler(auth.WithPrincipal(ctx, principal, tenant), req)
	}
}

func firstHeader(md metadata.MD, key string) string {
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	v := vals[0]
	if !strings.HasPrefix(v, "Bearer ") {
		return "Bearer " + v
	}
	return v
}

func mapAuthErr(err error) error {
	switch err {
	case auth.ErrExpired:
		return status.Error(codes.Unauthenticated, "credential expired")
	case auth.ErrForbidden:
		return status.Error(codes.PermissionDenied, "insufficient role")
	default:
		return status.Error(codes.Unauthenticated, "unauthenticated")
	}
}

// QuotaInterceptor enforces the per-tenant request bucket for the RPC
// surface (spec section 4.B), mirroring httpapi.QuotaMiddleware.
func QuotaInterceptor(q Quota, overrides func(tenantID string) quota.Config) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tenant, ok := auth.TenantFromContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing tenant context")
		}
		decision, err := q.TryConsume(ctx, tenant.ID, quota.SurfaceRPC, 0, overrides(tenant.ID))
		if err != nil {
			return nil, status.Error(codes.Internal, "quota check failed")
		}
		if !decision.Allowed {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call's method and tenant, mirroring
// chi's middleware.Logger for the REST surface.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		tenantID := ""
		if tenant, ok := auth.TenantFromContext(ctx); ok {
			tenantID = tenant.ID
		}
		evt := log.Info()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).Str("tenant_id", tenantID).Msg("rpc_call")
		return resp, err
	}
}

// StreamAuthInterceptor is Edit's entrypoint auth/quota gate: the single
// stream RPC this surface exposes resolves its own tenant context from
// metadata before Service.Edit ever sees the stream, since a streaming
// call's "handler" has no per-message interceptor chain to reuse.
func StreamAuthInterceptor(gate Gate, q Quota, overrides func(tenantID string) quota.Config) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		cred, err := gate.ExtractCredential(firstHeader(md, "authorization"))
		if err != nil {
			return status.Error(codes.Unauthenticated, "missing or invalid credential")
		}
		principal, tenant, err := gate.Authenticate(ctx, cred)
		if err != nil {
			return mapAuthErr(err)
		}
		if err := auth.RequireRole(principal, auth.RoleEditor); err != nil {
			return status.Error(codes.PermissionDenied, "editor role required")
		}
		decision, err := q.TryConsume(ctx, tenant.ID, quota.SurfaceRPC, 0, overrides(tenant.ID))
		if err != nil {
			return status.Error(codes.Internal, "quota check failed")
		}
		if !decision.Allowed {
			return status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		wrapped := &contextServerStream{ServerStream: ss, ctx: auth.WithPrincipal(ctx, principal, tenant)}
		return handler(srv, wrapped)
	}
}

type contextServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextServerStream) Context() context.Context { return s.ctx }
