// Package rate enforces the spawn-gating policy: a cap on concurrent
// workers, a cooldown between consecutive spawns, and a daily iteration
// budget that rolls over at UTC midnight. Counters live in the fast
// store so they survive restarts and can be shared by every code path
// that spawns or retires workers.
package rate
