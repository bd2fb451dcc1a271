// Package events provides an in-memory broker for orchestrator
// lifecycle events: work-item admissions and worker transitions. Publish
// is fire-and-forget with per-subscriber buffering, and a bounded ring
// of recent events backs the read-only events endpoint.
package events
