// Package locks arbitrates advisory file locks between workers editing
// the same repository. Locks are plain rows keyed (repo, file_path) in
// the durable store, so contention resolves at the database rather than
// in process memory and holdings survive an orchestrator restart.
package locks
