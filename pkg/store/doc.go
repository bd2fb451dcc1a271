/*
Package store is the persistence gateway for whim's durable state.

It offers typed accessors over an embedded sqlite database (modernc.org/sqlite,
pure Go) with the schema applied through goose migrations at open. Every SQL
statement lives in this package as a named constant; business logic above only
ever calls typed methods and never composes SQL.

Two behaviors are contractual:

  - Mutations return affected-row counts, and the conditional variants
    (UpdateWorkItemIfStatus, UpdateWorkerIfActive) only match rows whose
    current status is in the allowed set. These guards are the sole
    concurrency control for state-machine transitions; there are no
    in-process per-entity mutexes.
  - The store-native unique-violation error is normalized into ErrDuplicate.
    For file_locks the unique index on (repo, file_path) makes an attempted
    insert the lock request itself.

Field keys in partial updates are camelCase and are translated to the
schema's snake_case identifiers by the gateway.
*/
package store
