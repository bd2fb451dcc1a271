package store

import (
	"context"
	"errors"
	"time"

	"github.com/skylarbarrera/whim/pkg/types"
)

// Sentinel errors produced by the gateway. Store-native errors are surfaced
// verbatim except for the well-known unique violation, which is normalized
// into ErrDuplicate so the conflict arbiter can treat it as "already locked".
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

// Fields is a partial update keyed by the camelCase names the rest of the
// core uses. The gateway translates keys to the store's snake_case columns.
type Fields map[string]any

// Store defines typed access to the durable relational state.
// Mutations return affected-row counts; conditional updates are the
// at-most-once transition guards the supervisor relies on.
type Store interface {
	// Work items
	CreateWorkItem(ctx context.Context, item *types.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)
	ListWorkItems(ctx context.Context, typeFilter *types.WorkItemType) ([]*types.WorkItem, error)
	UpdateWorkItem(ctx context.Context, id string, fields Fields) (int64, error)
	UpdateWorkItemIfStatus(ctx context.Context, id string, allowed []types.WorkItemStatus, fields Fields) (int64, error)
	EligibleWorkItems(ctx context.Context, now time.Time, limit int) ([]*types.WorkItem, error)
	VerificationExists(ctx context.Context, parentID string, prNumber int) (bool, error)
	WorkItemStats(ctx context.Context) (*types.QueueStats, error)
	CountWorkItems(ctx context.Context, status types.WorkItemStatus) (int, error)
	CountWorkItemsSince(ctx context.Context, status types.WorkItemStatus, since time.Time) (int, error)

	// Workers
	CreateWorker(ctx context.Context, worker *types.Worker) error
	GetWorker(ctx context.Context, id string) (*types.Worker, error)
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	UpdateWorker(ctx context.Context, id string, fields Fields) (int64, error)
	UpdateWorkerIfActive(ctx context.Context, id string, fields Fields) (int64, error)
	UpdateWorkerIfStatus(ctx context.Context, id string, allowed []types.WorkerStatus, fields Fields) (int64, error)
	DeleteWorker(ctx context.Context, id string) error
	ActiveWorkerForItem(ctx context.Context, workItemID string) (*types.Worker, error)
	StaleWorkers(ctx context.Context, lastHeartbeatBefore time.Time) ([]*types.Worker, error)
	CountActiveWorkers(ctx context.Context) (int, error)
	WorkerStats(ctx context.Context) (*types.WorkerStats, error)

	// File locks. InsertFileLock returns ErrDuplicate when the (repo, path)
	// row already exists; that duplicate IS the lock-arbitration signal.
	InsertFileLock(ctx context.Context, lock *types.FileLock) error
	GetFileLock(ctx context.Context, repo, filePath string) (*types.FileLock, error)
	DeleteFileLocks(ctx context.Context, workerID, repo string, files []string) error
	DeleteAllFileLocks(ctx context.Context, workerID string) error
	LocksForWorker(ctx context.Context, workerID string) ([]*types.FileLock, error)

	// Metrics and collaborator-owned tables
	InsertWorkerMetrics(ctx context.Context, m *types.WorkerMetrics) error
	SumIterationsSince(ctx context.Context, since time.Time) (int64, error)
	AvgDurationMSSince(ctx context.Context, since time.Time) (int64, error)
	InsertPRReview(ctx context.Context, review *types.PRReview) error
	InsertLearning(ctx context.Context, learning *types.Learning) error
	ListLearnings(ctx context.Context, repo string) ([]*types.Learning, error)

	Close() error
}
