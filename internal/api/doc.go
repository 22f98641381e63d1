// Package api hosts the engine's read-only monitoring server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping, when enabled.
//   - GET /v1/status for the full engine snapshot.
//   - GET /v1/spiders and /v1/spiders/{name} for spider state and counters.
//   - GET /v1/jobs for live cron jobs.
package api
