package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/skylarbarrera/whim/pkg/log"
	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/types"
)

// Arbiter hands out advisory file locks scoped to (repo, path). The
// durable store's primary key on (repo, file_path) is the arbitration
// primitive: whoever inserts the row first holds the lock, and
// concurrent claims for the same path serialize at the database without
// any in-process mutex.
type Arbiter struct {
	store  store.Store
	logger zerolog.Logger
}

// NewArbiter creates a lock arbiter backed by the durable store.
func NewArbiter(s store.Store) *Arbiter {
	return &Arbiter{
		store:  s,
		logger: log.WithComponent("locks"),
	}
}

// AcquireLocks attempts to claim every requested path for the worker and
// partitions the request into acquired and blocked lists, preserving the
// request order within each. A path the worker already holds counts as
// acquired, so retrying a partially-applied request is safe.
func (a *Arbiter) AcquireLocks(ctx context.Context, workerID, repo string, files []string) (*types.LockResult, error) {
	result := &types.LockResult{
		Acquired: []string{},
		Blocked:  []string{},
	}

	for _, path := range files {
		err := a.store.InsertFileLock(ctx, &types.FileLock{
			WorkerID:   workerID,
			Repo:       repo,
			FilePath:   path,
			AcquiredAt: time.Now().UTC(),
		})
		if err == nil {
			result.Acquired = append(result.Acquired, path)
			continue
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
		}

		holder, err := a.store.GetFileLock(ctx, repo, path)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Holder released between our insert and read. Treat as
				// blocked; the caller retries rather than us looping here.
				result.Blocked = append(result.Blocked, path)
				continue
			}
			return nil, fmt.Errorf("failed to inspect lock on %s: %w", path, err)
		}
		if holder.WorkerID == workerID {
			result.Acquired = append(result.Acquired, path)
		} else {
			result.Blocked = append(result.Blocked, path)
		}
	}

	if len(result.Blocked) > 0 {
		a.logger.Debug().
			Str("worker_id", workerID).
			Str("repo", repo).
			Int("acquired", len(result.Acquired)).
			Int("blocked", len(result.Blocked)).
			Msg("lock request partially blocked")
	}
	return result, nil
}

// ReleaseLocks frees the given paths held by the worker in one repo.
// Paths held by other workers, or not held at all, are left untouched.
func (a *Arbiter) ReleaseLocks(ctx context.Context, workerID, repo string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	return a.store.DeleteFileLocks(ctx, workerID, repo, files)
}

// ReleaseAllLocks frees every lock the worker holds, across all repos.
// Called when a worker finishes, fails, or is killed.
func (a *Arbiter) ReleaseAllLocks(ctx context.Context, workerID string) error {
	return a.store.DeleteAllFileLocks(ctx, workerID)
}

// GetLocksForWorker lists every lock the worker currently holds.
func (a *Arbiter) GetLocksForWorker(ctx context.Context, workerID string) ([]*types.FileLock, error) {
	return a.store.LocksForWorker(ctx, workerID)
}

// GetLockHolder returns the lock on (repo, path), or nil when the path
// is free.
func (a *Arbiter) GetLockHolder(ctx context.Context, repo, filePath string) (*types.FileLock, error) {
	lock, err := a.store.GetFileLock(ctx, repo, filePath)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return lock, err
}
