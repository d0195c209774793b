// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/purge, /v1/purge/url, /v1/preload, /v1/preload/url to trigger
//     cache operations. These are rate limited per client IP.
//   - GET /v1/preload/progress, /v1/status, /v1/cached for read access.
//
// Every /v1 route requires the configured API key when auth is enabled.
package api
