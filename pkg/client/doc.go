// Package client is the Go client for the orchestrator's HTTP/JSON
// API. The CLI uses it for operator commands, and worker processes use
// it from inside their containers to register, heartbeat, manage file
// locks, and report results.
package client
