// Package metrics exposes Prometheus instruments for the orchestrator
// and an aggregator that derives the operator-facing summary from the
// durable tables on demand.
package metrics
