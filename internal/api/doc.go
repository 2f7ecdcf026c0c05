// Package api hosts the HTTP server and middleware in front of the proxy
// pipeline. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/proxy/* proxies through the default profile.
//   - GET /p/{profile}/* proxies through a named profile.
//   - OPTIONS on both proxy routes answers CORS preflight.
package api
