// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a backup, GET /v1/runs/{task_id} for progress and
//     POST /v1/runs/{task_id}/pause|resume|cancel to steer it.
//   - POST /v1/series/check and POST /v1/retention for snapshot housekeeping.
//   - GET /v1/snapshots for the recorded snapshot history.
package api
