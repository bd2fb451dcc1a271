package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/skylarbarrera/whim/pkg/faststore"
	"github.com/skylarbarrera/whim/pkg/log"
	"github.com/skylarbarrera/whim/pkg/types"
)

// Config holds the spawn-gating knobs.
type Config struct {
	MaxWorkers  int           // concurrent worker cap
	DailyBudget int           // iterations per UTC day
	Cooldown    time.Duration // minimum gap between spawns
}

// Limiter gates worker spawns on three counters kept in the fast store:
// concurrent workers, spawn cooldown, and the daily iteration budget.
// All state lives in the store; the limiter itself is stateless and safe
// for concurrent use.
type Limiter struct {
	fs     faststore.FastStore
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// NewLimiter creates a rate limiter over the given fast store.
func NewLimiter(fs faststore.FastStore, cfg Config) *Limiter {
	return &Limiter{
		fs:     fs,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent("rate"),
	}
}

// CanSpawnWorker reports whether a new worker may be spawned right now:
// under the concurrency cap, past the cooldown, and within today's budget.
func (l *Limiter) CanSpawnWorker(ctx context.Context) (bool, error) {
	if err := l.CheckDailyReset(ctx); err != nil {
		return false, err
	}

	active, err := l.getInt(ctx, faststore.KeyActiveWorkers)
	if err != nil {
		return false, err
	}
	if active >= int64(l.cfg.MaxWorkers) {
		return false, nil
	}

	lastSpawnMS, err := l.getInt(ctx, faststore.KeyLastSpawn)
	if err != nil {
		return false, err
	}
	if lastSpawnMS > 0 {
		elapsed := l.now().Sub(time.UnixMilli(lastSpawnMS))
		if elapsed < l.cfg.Cooldown {
			return false, nil
		}
	}

	iterations, err := l.getInt(ctx, faststore.KeyDailyIterations)
	if err != nil {
		return false, err
	}
	return iterations < int64(l.cfg.DailyBudget), nil
}

// RecordSpawn increments the active-worker count and stamps the spawn time.
func (l *Limiter) RecordSpawn(ctx context.Context) error {
	if _, err := l.fs.Incr(ctx, faststore.KeyActiveWorkers); err != nil {
		return fmt.Errorf("failed to record spawn: %w", err)
	}
	ms := strconv.FormatInt(l.now().UnixMilli(), 10)
	if err := l.fs.Set(ctx, faststore.KeyLastSpawn, ms); err != nil {
		return fmt.Errorf("failed to stamp spawn time: %w", err)
	}
	return nil
}

// RecordWorkerDone decrements the active-worker count, clamped at zero.
// The clamp also self-heals a corrupted negative counter.
func (l *Limiter) RecordWorkerDone(ctx context.Context) error {
	n, err := l.fs.Decr(ctx, faststore.KeyActiveWorkers)
	if err != nil {
		return fmt.Errorf("failed to record worker done: %w", err)
	}
	if n < 0 {
		l.logger.Warn().Int64("active_workers", n).Msg("active worker counter went negative, clamping to zero")
		return l.fs.Set(ctx, faststore.KeyActiveWorkers, "0")
	}
	return nil
}

// RecordIteration counts one agent iteration against today's budget.
func (l *Limiter) RecordIteration(ctx context.Context) error {
	if err := l.CheckDailyReset(ctx); err != nil {
		return err
	}
	_, err := l.fs.Incr(ctx, faststore.KeyDailyIterations)
	return err
}

// CheckDailyReset zeroes the iteration counter when the stored UTC date is
// not today. The read-then-write race here is benign: racing writers all
// set the counter to zero.
func (l *Limiter) CheckDailyReset(ctx context.Context) error {
	today := l.today()
	stored, err := l.fs.Get(ctx, faststore.KeyDailyResetDate)
	if err != nil {
		return err
	}
	if stored == today {
		return nil
	}
	if err := l.fs.Set(ctx, faststore.KeyDailyIterations, "0"); err != nil {
		return err
	}
	if err := l.fs.Set(ctx, faststore.KeyDailyResetDate, today); err != nil {
		return err
	}
	if stored != "" {
		l.logger.Info().Str("from", stored).Str("to", today).Msg("daily iteration budget reset")
	}
	return nil
}

// Status snapshots all counters plus the derived spawn verdict.
func (l *Limiter) Status(ctx context.Context) (*types.RateStatus, error) {
	canSpawn, err := l.CanSpawnWorker(ctx)
	if err != nil {
		return nil, err
	}
	active, err := l.getInt(ctx, faststore.KeyActiveWorkers)
	if err != nil {
		return nil, err
	}
	lastSpawnMS, err := l.getInt(ctx, faststore.KeyLastSpawn)
	if err != nil {
		return nil, err
	}
	iterations, err := l.getInt(ctx, faststore.KeyDailyIterations)
	if err != nil {
		return nil, err
	}
	resetDate, err := l.fs.Get(ctx, faststore.KeyDailyResetDate)
	if err != nil {
		return nil, err
	}

	status := &types.RateStatus{
		ActiveWorkers:   active,
		MaxWorkers:      l.cfg.MaxWorkers,
		DailyIterations: iterations,
		DailyBudget:     l.cfg.DailyBudget,
		DailyResetDate:  resetDate,
		CanSpawn:        canSpawn,
	}
	if lastSpawnMS > 0 {
		status.LastSpawn = time.UnixMilli(lastSpawnMS).UTC()
	}
	return status, nil
}

// today is the UTC ISO date prefix; the day boundary is UTC, not local.
func (l *Limiter) today() string {
	return l.now().UTC().Format("2006-01-02")
}

func (l *Limiter) getInt(ctx context.Context, key string) (int64, error) {
	val, err := l.fs.Get(ctx, key)
	if err != nil || val == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds non-integer value %q: %w", key, val, err)
	}
	return n, nil
}
