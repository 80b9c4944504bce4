// Package internal contains helpers that are private to tenantauth: secure
// random generation for session ids, OTPs, backup codes and invitation tokens,
// and the hashing used to store them.
//
// # Sub-packages
//
//   - logging: zap logger construction for the binaries
//   - rate: Redis fixed-window limiters
//   - stores: Redis-backed OTP challenges, login sessions and the refresh blacklist
//
// # What this package must NOT do
//
//   - Export types that appear in the public tenantauth API.
//   - Log or persist plaintext secrets.
package internal
