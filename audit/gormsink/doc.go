// Package gormsink persists tenantauth audit events to Postgres through gorm.
//
// The sink runs on the engine's audit dispatcher goroutine, so Emit writes
// synchronously with a bounded timeout and only logs failures.
package gormsink
