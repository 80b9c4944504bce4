// Package permission holds the global permission catalog and the bitmask
// sets the authorization engine resolves roles into.
//
// Codes are registered once at startup, then the [Registry] is frozen. A
// [Set] is a fixed-width mask (64, 128, 256 or 512 bits, chosen when the
// registry is created), so unions and membership checks never allocate.
//
// This package is pure in-memory data with no I/O; it does not know about
// roles, companies or tenants.
package permission
