package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/tenantauth"
)

// Authenticator verifies access tokens. *tenantauth.Engine implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*tenantauth.Principal, error)
}

// Authorizer checks a permission. *tenantauth.Engine implements it.
type Authorizer interface {
	Require(ctx context.Context, identityID, companyID, code string) error
}

// DefaultCompanyHeader names the company a request acts on.
const DefaultCompanyHeader = "X-Company"

// ClientInfo records the caller's IP and User-Agent in the request context
// for audit events and the per-IP login throttle. The first X-Forwarded-For
// entry wins over RemoteAddr, so only use it behind a trusted proxy.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tenantauth.WithClientIP(r.Context(), clientIP(r))
		if ua := r.UserAgent(); ua != "" {
			ctx = tenantauth.WithUserAgent(ctx, ua)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate requires a Bearer access token valid for the request's tenant
// and attaches the principal with tenantauth.WithPrincipal. It must run after
// Tenant.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				WriteError(w, tenantauth.ErrEngineNotReady)
				return
			}
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				WriteError(w, tenantauth.ErrUnauthenticated)
				return
			}

			principal, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenantauth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// Require rejects requests whose principal lacks code in the company named by
// the X-Company header. It must run after Authenticate.
func Require(authz Authorizer, code string) func(http.Handler) http.Handler {
	return RequireIn(authz, code, func(r *http.Request) string {
		return r.Header.Get(DefaultCompanyHeader)
	})
}

// RequireIn is Require with a custom company extractor, e.g. a path value.
func RequireIn(authz Authorizer, code string, company func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := tenantauth.PrincipalFromContext(r.Context())
			if !ok {
				WriteError(w, tenantauth.ErrUnauthenticated)
				return
			}
			companyID := strings.TrimSpace(company(r))
			if companyID == "" {
				WriteError(w, &tenantauth.FieldError{Field: "company_id", Reason: "required"})
				return
			}
			if err := authz.Require(r.Context(), principal.IdentityID, companyID, code); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
