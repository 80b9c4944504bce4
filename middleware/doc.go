// Package middleware adapts a tenantauth.Engine to net/http.
//
// # Chain
//
// A typical stack is ClientInfo, then Tenant, then Authenticate, then
// Require on the routes that need a permission:
//
//	h := middleware.ClientInfo(
//	    middleware.Tenant(engine, middleware.TenantOptions{BaseDomain: "app.example.com"})(
//	        middleware.Authenticate(engine)(mux)))
//
// Tenant resolution runs before any handler; an unknown tenant is answered
// with 404 invalid_tenant.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis or the credential store.
//   - Decide authorization beyond pass or reject from the Engine.
package middleware
