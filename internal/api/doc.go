// Package api hosts the operational HTTP server of the backfill service:
//   - GET /healthz for liveness.
//   - GET /readyz, which pings the record store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status with per-pipeline tallies, the last cycle and the loop phase.
package api
