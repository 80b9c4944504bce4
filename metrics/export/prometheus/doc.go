// Package prometheus publishes engine counters and latency histograms
// through a client_golang [prometheus.Collector].
//
// [NewCollector] reads [tenantauth.Engine.MetricsSnapshot] on every scrape;
// counters are named tenantauth_*_total and the two latency histograms are
// tenantauth_login_latency_seconds and tenantauth_authorize_latency_seconds.
// [Handler] wraps a private registry for callers that do not run their own.
//
// # What this package must NOT do
//
//   - Register into the global default registry.
//   - Mutate engine state.
package prometheus
