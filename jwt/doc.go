// Package jwt issues and verifies the tenant-bound access and refresh tokens.
//
// Tokens carry sub (identity id), tid (tenant id), typ (access or refresh),
// jti, iat, exp and optionally iss/aud. Ed25519 is the default algorithm;
// HS256 is available for single-service deployments. Parse pins the
// algorithm, enforces exp with a bounded leeway and rejects tokens whose typ
// does not match the caller's expectation.
package jwt
