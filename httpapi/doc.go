// Package httpapi serves the executor over REST with fiber.
//
// Routes:
//
//	POST /execute    {"language": "...", "code": "..."} → success or error payload
//	GET  /healthz    container runtime reachability
//	GET  /languages  registered language ids
//	GET  /metrics    Prometheus exposition
//
// Unknown languages answer 400, runtime failures 500, everything else that
// reached the executor 200.
package httpapi
