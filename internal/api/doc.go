// Package api hosts the HTTP server, middleware, and REST handlers of the
// fraud-signal pipeline. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks and /v1/signals for intake.
//   - /v1/cases/{id}/... for evidence uploads, SOC decisions, sealing,
//     dispatch timelines and purges.
//   - POST /v1/operator/callback for operator acknowledgements, guarded by a
//     shared secret instead of the API key.
package api
