// Package rate provides Redis-backed fixed-window limiters used by the OTP
// send throttle, the failed-login lockout and the second-factor budget.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes
// are chosen by the caller through [Rule]:
//   - aos:: OTP sends per tenant+mobile
//   - alo:: failed logins per tenant+identity
//   - ali:: failed logins per client IP
//   - atp:: wrong TOTP or backup codes per tenant+identity
//
// # What this package must NOT do
//
//   - Decide which operations are throttled (the Engine owns the policy).
//   - Be imported outside the tenantauth module.
package rate
