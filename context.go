package tenantauth

import "context"

type clientIPContextKey struct{}
type tenantContextKey struct{}
type principalContextKey struct{}
type userAgentContextKey struct{}

// WithTenant attaches the resolved tenant scope to ctx. Every Engine
// operation reads the scope from ctx and passes its ID explicitly to the
// Store; there is no process-wide current tenant.
func WithTenant(ctx context.Context, tenant *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext returns the tenant attached by WithTenant.
func TenantFromContext(ctx context.Context) (*Tenant, bool) {
	if ctx == nil {
		return nil, false
	}
	tenant, ok := ctx.Value(tenantContextKey{}).(*Tenant)
	return tenant, ok && tenant != nil
}

// WithPrincipal attaches an authenticated caller to ctx.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext returns the principal attached by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	return principal, ok && principal != nil
}

// WithClientIP attaches the caller's IP address to ctx. It is recorded on
// audit events and feeds the optional per-IP login throttle.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx for login activity
// records.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func tenantIDFromContext(ctx context.Context) string {
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		return ""
	}
	return tenant.ID
}
