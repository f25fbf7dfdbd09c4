// Package api hosts the HTTP server, middleware, and handlers behind
// `dsdown serve`. Notable routes:
//   - GET /healthz / readyz for liveness and store reachability.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for slot usage, queue sizes and the latest runs.
//   - GET /v1/queue, POST /v1/queue/{entry_id}/reset for the queue.
//   - GET /v1/chapters/new and /v1/series for classification.
//   - POST /v1/fetch and /v1/drain to trigger runs.
package api
