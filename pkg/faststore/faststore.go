package faststore

import "context"

// Keys used by the rate limiter. Defined here so both implementations and
// their tests agree on the namespace.
const (
	KeyActiveWorkers   = "rate:active_workers"
	KeyLastSpawn       = "rate:last_spawn"
	KeyDailyIterations = "rate:daily_iterations"
	KeyDailyResetDate  = "rate:daily_reset_date"
)

// FastStore is the atomic-counter contract backing the rate limiter.
// Get returns "" without error when the key is missing.
type FastStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}
