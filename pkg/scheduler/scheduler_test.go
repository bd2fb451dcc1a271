package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylarbarrera/whim/pkg/config"
	"github.com/skylarbarrera/whim/pkg/faststore"
	"github.com/skylarbarrera/whim/pkg/locks"
	"github.com/skylarbarrera/whim/pkg/metrics"
	"github.com/skylarbarrera/whim/pkg/queue"
	"github.com/skylarbarrera/whim/pkg/rate"
	"github.com/skylarbarrera/whim/pkg/runtime"
	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/supervisor"
	"github.com/skylarbarrera/whim/pkg/types"
)

type fixture struct {
	sched *Scheduler
	store store.Store
	queue *queue.Manager
	rt    *runtime.FakeRuntime
}

func newFixture(t *testing.T, maxWorkers int) *fixture {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fs, err := faststore.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	cfg := &config.Config{
		MaxWorkers:            maxWorkers,
		DailyBudget:           200,
		CooldownSeconds:       0,
		StaleThresholdSeconds: 300,
		VerificationRetries:   3,
		MaxIterations:         10,
		WorkerImage:           "test/agent:latest",
		OrchestratorURL:       "http://localhost:8420",
	}

	limiter := rate.NewLimiter(fs, rate.Config{
		MaxWorkers:  cfg.MaxWorkers,
		DailyBudget: cfg.DailyBudget,
		Cooldown:    cfg.Cooldown(),
	})
	arbiter := locks.NewArbiter(s)
	q := queue.NewManager(s, nil, cfg.MaxIterations)
	rt := runtime.NewFakeRuntime()
	sv := supervisor.New(s, arbiter, q, limiter, rt, nil, cfg)
	agg := metrics.NewAggregator(s)

	return &fixture{
		sched: New(q, sv, limiter, agg, time.Second),
		store: s,
		queue: q,
		rt:    rt,
	}
}

func (f *fixture) addItem(t *testing.T, priority types.Priority) *types.WorkItem {
	t.Helper()
	spec := "work"
	item, err := f.queue.Add(context.Background(), &types.SubmitRequest{
		Repo:     "org/app",
		Spec:     &spec,
		Priority: priority,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) countByStatus(t *testing.T, status types.WorkItemStatus) int {
	t.Helper()
	n, err := f.store.CountWorkItems(context.Background(), status)
	require.NoError(t, err)
	return n
}

func TestTickSpawnsOneItemPerTick(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	f.addItem(t, types.PriorityMedium)
	f.addItem(t, types.PriorityMedium)
	f.addItem(t, types.PriorityMedium)

	f.sched.Tick(ctx)
	assert.Equal(t, 1, f.countByStatus(t, types.WorkItemStatusInProgress))
	assert.Equal(t, 2, f.countByStatus(t, types.WorkItemStatusQueued))

	f.sched.Tick(ctx)
	f.sched.Tick(ctx)
	assert.Equal(t, 3, f.countByStatus(t, types.WorkItemStatusInProgress))
	assert.Equal(t, 3, f.rt.Count())
}

func TestTickRespectsPriorityOrder(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	low := f.addItem(t, types.PriorityLow)
	critical := f.addItem(t, types.PriorityCritical)

	f.sched.Tick(ctx)

	got, err := f.store.GetWorkItem(ctx, critical.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusInProgress, got.Status)

	got, err = f.store.GetWorkItem(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusQueued, got.Status)
}

func TestTickStopsAtWorkerCap(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.addItem(t, types.PriorityMedium)
	}
	for i := 0; i < 4; i++ {
		f.sched.Tick(ctx)
	}

	assert.Equal(t, 2, f.countByStatus(t, types.WorkItemStatusInProgress))
	assert.Equal(t, 2, f.countByStatus(t, types.WorkItemStatusQueued))
}

func TestTickReapsStaleWorkers(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	item := f.addItem(t, types.PriorityMedium)
	f.sched.Tick(ctx)

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkerID)
	workerID := *got.WorkerID

	_, err = f.store.UpdateWorker(ctx, workerID, store.Fields{
		"lastHeartbeat": time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	f.sched.Tick(ctx)

	w, err := f.store.GetWorker(ctx, workerID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusKilled, w.Status)

	// The item went back to queued with a retry delay.
	got, err = f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusQueued, got.Status)
	assert.NotNil(t, got.NextRetryAt)
}

func TestTickSpawnFailureLeavesItemQueued(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	item := f.addItem(t, types.PriorityMedium)
	f.rt.CreateErr = assert.AnError

	f.sched.Tick(ctx)

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusQueued, got.Status)

	// Once the runtime recovers the next tick picks it up.
	f.rt.CreateErr = nil
	f.sched.Tick(ctx)
	got, err = f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusInProgress, got.Status)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, 1)
	f.sched.Start()
	f.sched.Stop()
}
