// Package api maps the orchestrator core onto an HTTP/JSON surface
// under /api/v1. Error responses carry {"error", "code"} with codes
// from the closed set VALIDATION_ERROR, NOT_FOUND, INVALID_STATE,
// INTERNAL_ERROR. The same mux serves /metrics and /healthz.
package api
