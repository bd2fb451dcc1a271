// Package scheduler runs the orchestrator's single background loop.
// Each tick gates on the rate limiter, spawns at most one worker for
// the highest-priority eligible item, reaps stale workers, and refreshes
// the Prometheus gauges.
package scheduler
