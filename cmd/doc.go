// Package cmd defines the mirrorshield CLI.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and the proxy routes. /api/proxy/* serves the
//     default profile and /p/{profile}/* serves a named one; both answer CORS preflight.
//   - Fetch: every request issues exactly one GET to a mirror picked from the profile, with a browser-like
//     identity, behind a per-mirror circuit breaker and rate limiter.
//   - Rewrite: non-HTML responses stream back unchanged. HTML is decoded, optionally reduced to its player frame,
//     sanitized by an ordered rule set, given the client-side guard, and re-serialized with a permissive CSP.
//   - Capture: when enabled, a sample of raw and rewritten pages is written to memory, local disk, or GCS for
//     offline review. Captures are never served.
//   - Configuration & plumbing: Viper populates config from env/files (MIRRORSHIELD_ prefix, optional .env);
//     zap provides structured logging; Prometheus metrics are exported via the metrics middleware and /metrics.
//
// Quick checklist:
//   - Run locally: go run . serve --config config.yaml
//   - Inspect a page offline: go run . sanitize page.html --profile default
package cmd
