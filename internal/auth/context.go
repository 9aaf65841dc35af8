package auth

import "context"

type ctxKey string

const (
	ctxPrincipal ctxKey = "principal"
	ctxTenant    ctxKey = "tenant"
)

// WithPrincipal attaches the authenticated principal and tenant to ctx —
// the "tenant context object" spec section 4.A requires every downstream
// call to receive.
func WithPrincipal(ctx context.Context, p *Principal, t *Tenant) context.Context {
	ctx = context.WithValue(ctx, ctxPrincipal, p)
	return context.WithValue(ctx, ctxTenant, t)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxPrincipal).(*Principal)
	return p, ok && p != nil
}

func TenantFromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(ctxTenant).(*Tenant)
	return t, ok && t != nil
}
