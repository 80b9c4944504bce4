// Package tenantauth is a multi-tenant authentication and authorization
// core: OTP signup, password login with optional TOTP second factor,
// single-use rotating refresh tokens and company-scoped role based access
// control.
//
// Build an [Engine] with [New]; Engine methods are safe to call from
// multiple goroutines.
//
// # Tenant scope
//
// Every operation except [Engine.ResolveTenant] and [Engine.CreateTenant]
// reads its tenant from ctx ([WithTenant]) and passes the tenant ID
// explicitly to the [Store]. There is no process-wide current tenant.
//
// # Architecture boundaries
//
// Persistent state lives behind [Store] (see store/postgres and
// store/memory). Short-lived state (OTP challenges, pending second-factor
// sessions, the refresh blacklist and rate counters) lives in Redis under
// internal/. Errors are sentinels classified by [KindOf].
//
// # What this package must NOT do
//
//   - Log or audit OTPs, passwords, TOTP secrets, backup codes or tokens.
//   - Fail an operation because audit delivery failed.
//   - Import any sub-package that re-imports tenantauth.
package tenantauth
