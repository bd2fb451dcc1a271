// Package supervisor manages worker containers across their whole
// lifecycle. It spawns a container per scheduled work item, handles the
// callbacks workers make against the orchestrator (register, heartbeat,
// complete, fail, stuck), kills workers whose heartbeats go stale, and
// keeps the rate-limiter counters honest on every terminal transition.
//
// Transitions are guarded by conditional store updates rather than
// process-level locks: a late complete from a container that was already
// killed matches zero rows and comes back as ErrNotActive.
package supervisor
