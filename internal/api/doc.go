// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/subscriptions with per-subscription subscriber counts.
//   - GET /v1/hosts for per-host error counters.
//   - GET /v1/throttle and /v1/status for throttle grants and in-flight work.
package api
