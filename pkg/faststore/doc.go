/*
Package faststore provides the atomic counter store behind the rate limiter.

Two implementations satisfy the same small contract: RedisStore for shared
deployments, and BoltStore, an embedded bbolt database, so a single-binary
install needs no external services. The rate limiter only ever uses Incr,
Decr, Get and Set on the rate:* keys defined here.
*/
package faststore
