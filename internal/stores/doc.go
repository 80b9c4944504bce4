// Package stores provides the Redis-backed, short-lived records of the auth
// flows: OTP challenges, pending second-factor login sessions and the refresh
// token blacklist.
//
// # Design
//
// Challenge and session records are versioned binary blobs with a Redis TTL
// and an embedded expiry that is re-checked against an injectable clock on
// every read. Mutations (Consume, RecordFailure) use WATCH/MULTI optimistic
// transactions with a bounded retry on contention. Secret comparisons use
// constant-time compare; only SHA-256 hashes of codes are stored.
//
// The blacklist is a SET NX per token ID whose TTL equals the token's
// remaining lifetime, so pruning is lazy and handled by Redis.
//
// # What this package must NOT do
//
//   - Import tenantauth or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Decide which errors the caller reports; it returns its own sentinels.
package stores
