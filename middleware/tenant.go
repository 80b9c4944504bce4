package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/tenantauth"
	"go.uber.org/zap"
)

// DefaultTenantHeader carries an explicit tenant subdomain.
const DefaultTenantHeader = "X-Tenant"

// TenantResolver looks up an active tenant by subdomain. *tenantauth.Engine
// implements it.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, subdomain string) (*tenantauth.Tenant, error)
}

// TenantOptions configures Tenant.
type TenantOptions struct {
	// Header overrides DefaultTenantHeader.
	Header string
	// BaseDomain enables Host based resolution: "acme.app.example.com" under
	// BaseDomain "app.example.com" resolves "acme".
	BaseDomain string
	Logger     *zap.Logger
}

// Tenant resolves the request's tenant and attaches it with
// tenantauth.WithTenant. The header wins over the Host.
func Tenant(resolver TenantResolver, opts TenantOptions) func(http.Handler) http.Handler {
	header := opts.Header
	if header == "" {
		header = DefaultTenantHeader
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.ToLower(strings.Trim(opts.BaseDomain, "."))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subdomain := strings.TrimSpace(r.Header.Get(header))
			if subdomain == "" {
				subdomain = subdomainOf(r.Host, base)
			}
			if subdomain == "" || resolver == nil {
				invalidTenant(w)
				return
			}

			tenant, err := resolver.ResolveTenant(r.Context(), subdomain)
			if err != nil {
				if tenantauth.KindOf(err) == tenantauth.KindUnavailable {
					logger.Warn("tenant resolution failed", zap.String("subdomain", subdomain), zap.Error(err))
					WriteError(w, err)
					return
				}
				invalidTenant(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenantauth.WithTenant(r.Context(), tenant)))
		})
	}
}

func invalidTenant(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, ErrorBody{
		Error:            "invalid_tenant",
		ErrorDescription: "Unknown tenant.",
	})
}

// subdomainOf returns the single label left of base in host, or "".
func subdomainOf(host, base string) string {
	if base == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	label, ok := strings.CutSuffix(host, "."+base)
	if !ok || label == "" || strings.Contains(label, ".") {
		return ""
	}
	return label
}
