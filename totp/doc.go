// Package totp implements RFC 6238 time-based one-time passwords on top of
// RFC 4226 HOTP, with otpauth:// provisioning URIs for authenticator apps.
//
// The package is stateless. Replay protection (rejecting an already accepted
// time step) is the caller's job: [Generator.Verify] returns the matched
// counter so it can be persisted.
package totp
