// Package api serves the provisioning engine over HTTP with gin.
//
// Routes:
//
//	GET  /health                         dependency checks, 503 when one fails
//	GET  /metrics                        Prometheus metrics, 404 when disabled
//	POST /api/v1/roots                   build a root from a JSON root spec
//	GET  /api/v1/roots                   list roots (?limit=, ?active=)
//	GET  /api/v1/roots/:id               root with tasks and derived status
//	GET  /api/v1/roots/:id/graph         Graphviz DOT rendering
//	POST /api/v1/roots/:id/cancel        stop scheduling pending tasks
//	GET  /api/v1/tasks/:id               single task
//	GET  /api/v1/tasks/:id/transitions   recorded status history
//
// Errors are returned as {"error": {"code", "message", "details"}} with
// the engine error code.
package api
