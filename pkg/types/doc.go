/*
Package types defines the core data structures used throughout whim.

The domain model has three durable entities:

  - WorkItem: a scheduled unit of work (repository x specification x type).
    Execution items produce pull requests; verification items are follow-up
    checks bound to the PR a parent execution item produced.
  - Worker: one execution attempt of a work item, realized as a container.
    Workers heartbeat with an iteration counter and terminate with exactly
    one of completed, failed, stuck, or killed.
  - FileLock: an exclusive per-(repo, path) token held by a worker. Locks are
    advisory; workers are cooperative.

Ownership runs one way: a WorkItem owns the lifetime of its Workers, a Worker
owns its FileLocks. Cross-references are stored as keys and resolved on demand
through the store, never as in-memory object graphs.

Work-item state machine:

	generating → queued → in_progress → completed
	                ↑          |
	                └──────────┴→ failed / cancelled

Worker state machine:

	starting → running (register / first heartbeat)
	starting|running → completed | failed | stuck | killed

All enums are typed string constants. Request/response payloads for the HTTP
surface live here as well so that pkg/api stays a thin transport layer.
*/
package types
