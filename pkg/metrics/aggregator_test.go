package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/types"
)

func newTestAggregator(t *testing.T) (*Aggregator, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewAggregator(s), s
}

func addItem(t *testing.T, s store.Store, status types.WorkItemStatus) *types.WorkItem {
	t.Helper()
	id := uuid.New().String()
	now := time.Now().UTC()
	item := &types.WorkItem{
		ID:            id,
		Repo:          "org/app",
		Branch:        "whim/" + id[:8],
		Type:          types.WorkItemTypeExecution,
		Status:        status,
		Priority:      types.PriorityMedium,
		MaxIterations: 10,
		Metadata:      map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateWorkItem(context.Background(), item))
	return item
}

func TestSummaryEmptyDatabase(t *testing.T) {
	a, _ := newTestAggregator(t)

	summary, err := a.Summary(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.ActiveWorkers)
	assert.Zero(t, summary.QueuedItems)
	assert.Zero(t, summary.CompletedToday)
	assert.Zero(t, summary.FailedToday)
	assert.Zero(t, summary.IterationsToday)
	assert.Zero(t, summary.AvgDurationMS)
	assert.Zero(t, summary.SuccessRate)
}

func TestSummaryCountsAndSuccessRate(t *testing.T) {
	a, s := newTestAggregator(t)
	ctx := context.Background()

	addItem(t, s, types.WorkItemStatusQueued)
	addItem(t, s, types.WorkItemStatusQueued)
	completed := addItem(t, s, types.WorkItemStatusCompleted)
	addItem(t, s, types.WorkItemStatusCompleted)
	addItem(t, s, types.WorkItemStatusCompleted)
	addItem(t, s, types.WorkItemStatusFailed)

	worker := &types.Worker{
		ID:            uuid.New().String(),
		WorkItemID:    completed.ID,
		Status:        types.WorkerStatusRunning,
		LastHeartbeat: time.Now().UTC(),
		StartedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.CreateWorker(ctx, worker))

	require.NoError(t, s.InsertWorkerMetrics(ctx, &types.WorkerMetrics{
		WorkerID:   worker.ID,
		WorkItemID: completed.ID,
		DurationMS: 60000,
		Iteration:  4,
		CreatedAt:  time.Now().UTC(),
	}))

	summary, err := a.Summary(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ActiveWorkers)
	assert.Equal(t, 2, summary.QueuedItems)
	assert.Equal(t, 3, summary.CompletedToday)
	assert.Equal(t, 1, summary.FailedToday)
	assert.Equal(t, int64(4), summary.IterationsToday)
	assert.Equal(t, int64(60000), summary.AvgDurationMS)
	assert.InDelta(t, 0.75, summary.SuccessRate, 1e-9)
}

func TestRefreshGauges(t *testing.T) {
	a, s := newTestAggregator(t)

	addItem(t, s, types.WorkItemStatusQueued)
	require.NoError(t, a.RefreshGauges(context.Background()))
}
