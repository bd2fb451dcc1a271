package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylarbarrera/whim/pkg/config"
	"github.com/skylarbarrera/whim/pkg/faststore"
	"github.com/skylarbarrera/whim/pkg/locks"
	"github.com/skylarbarrera/whim/pkg/queue"
	"github.com/skylarbarrera/whim/pkg/rate"
	"github.com/skylarbarrera/whim/pkg/runtime"
	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/types"
)

type fixture struct {
	sv      *Supervisor
	store   store.Store
	fs      faststore.FastStore
	arbiter *locks.Arbiter
	queue   *queue.Manager
	rt      *runtime.FakeRuntime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fs, err := faststore.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	cfg := &config.Config{
		MaxWorkers:            2,
		DailyBudget:           200,
		CooldownSeconds:       0,
		StaleThresholdSeconds: 300,
		VerificationRetries:   3,
		MaxIterations:         10,
		WorkerImage:           "test/agent:latest",
		OrchestratorURL:       "http://localhost:8420",
		ContainerNetwork:      "whim",
		MemoryLimitBytes:      1 << 30,
		CPUCores:              1,
		PidsLimit:             64,
	}

	limiter := rate.NewLimiter(fs, rate.Config{
		MaxWorkers:  cfg.MaxWorkers,
		DailyBudget: cfg.DailyBudget,
		Cooldown:    cfg.Cooldown(),
	})
	arbiter := locks.NewArbiter(s)
	q := queue.NewManager(s, nil, cfg.MaxIterations)
	rt := runtime.NewFakeRuntime()

	return &fixture{
		sv:      New(s, arbiter, q, limiter, rt, nil, cfg),
		store:   s,
		fs:      fs,
		arbiter: arbiter,
		queue:   q,
		rt:      rt,
	}
}

func (f *fixture) addItem(t *testing.T) *types.WorkItem {
	t.Helper()
	spec := "do the thing"
	item, err := f.queue.Add(context.Background(), &types.SubmitRequest{
		Repo: "org/app",
		Spec: &spec,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) activeWorkers(t *testing.T) string {
	t.Helper()
	val, err := f.fs.Get(context.Background(), faststore.KeyActiveWorkers)
	require.NoError(t, err)
	if val == "" {
		val = "0"
	}
	return val
}

func TestSpawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)

	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)
	require.NotNil(t, worker.ContainerID)

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusInProgress, got.Status)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, worker.ID, *got.WorkerID)

	spec, ok := f.rt.Spec(*worker.ContainerID)
	require.True(t, ok)
	assert.Equal(t, "test/agent:latest", spec.Image)
	assert.Equal(t, "whim", spec.Network)
	assert.Contains(t, spec.Env, "WHIM_WORKER_ID="+worker.ID)
	assert.Contains(t, spec.Env, "WHIM_MODE=execution")
	for _, e := range spec.Env {
		if strings.HasPrefix(e, "WHIM_ORCHESTRATOR_URL=") {
			assert.NotContains(t, e, "localhost")
		}
	}

	assert.Equal(t, "1", f.activeWorkers(t))
}

func TestSpawnRollbackOnStartFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	f.rt.StartErr = assert.AnError

	_, err := f.sv.Spawn(ctx, item)
	require.ErrorIs(t, err, assert.AnError)

	// Item is back in the queue with no worker attached.
	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusQueued, got.Status)
	assert.Nil(t, got.WorkerID)

	workers, err := f.sv.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)

	assert.Equal(t, 0, f.rt.Count(), "partially created container removed")
	assert.Equal(t, "0", f.activeWorkers(t), "no slot consumed")
}

func TestSpawnRefusesNonQueuedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)

	_, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	// The same item again: it is in_progress now.
	_, err = f.sv.Spawn(ctx, item)
	require.Error(t, err)

	workers, err := f.sv.List(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestRegisterAdvancesSpawnedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)

	spawned, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	worker, gotItem, err := f.sv.Register(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, spawned.ID, worker.ID)
	assert.Equal(t, types.WorkerStatusRunning, worker.Status)
	assert.Equal(t, item.ID, gotItem.ID)
}

func TestRegisterSelfAnnounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)

	worker, gotItem, err := f.sv.Register(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusRunning, worker.Status)
	assert.Equal(t, types.WorkItemStatusInProgress, gotItem.Status)

	// A second register reuses the row instead of minting an orphan.
	again, _, err := f.sv.Register(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.ID, again.ID)

	workers, err := f.sv.List(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestHeartbeatIterationBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	dailyIterations := func() string {
		val, err := f.fs.Get(ctx, faststore.KeyDailyIterations)
		require.NoError(t, err)
		if val == "" {
			val = "0"
		}
		return val
	}

	got, err := f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: worker.ID, Iteration: 1})
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusRunning, got.Status)
	assert.Equal(t, 1, got.Iteration)
	assert.Equal(t, "1", dailyIterations())

	// Same iteration again: free.
	_, err = f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: worker.ID, Iteration: 1})
	require.NoError(t, err)
	assert.Equal(t, "1", dailyIterations())

	// Lower iteration: never counted, and the row does not roll back.
	got, err = f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: worker.ID, Iteration: 0})
	require.NoError(t, err)
	assert.Equal(t, "1", dailyIterations())
	assert.Equal(t, 1, got.Iteration)

	got, err = f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: worker.ID, Iteration: 2})
	require.NoError(t, err)
	assert.Equal(t, "2", dailyIterations())
	assert.Equal(t, 2, got.Iteration)
}

func TestHeartbeatNotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	require.NoError(t, f.sv.Complete(ctx, &types.CompleteRequest{WorkerID: worker.ID}))

	_, err = f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: worker.ID, Iteration: 3})
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: "nope", Iteration: 1})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCompleteExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	_, err = f.arbiter.AcquireLocks(ctx, worker.ID, item.Repo, []string{"main.go"})
	require.NoError(t, err)

	prURL := "https://github.com/org/app/pull/7"
	prNumber := 7
	review := "looks good"
	err = f.sv.Complete(ctx, &types.CompleteRequest{
		WorkerID:            worker.ID,
		PRURL:               &prURL,
		PRNumber:            &prNumber,
		VerificationEnabled: true,
		Review:              &review,
		Metrics:             &types.MetricsPayload{DurationMS: 1234, TokensIn: 10, TokensOut: 20},
	})
	require.NoError(t, err)

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusCompleted, got.Status)
	require.NotNil(t, got.PRNumber)
	assert.Equal(t, 7, *got.PRNumber)

	w, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusCompleted, w.Status)
	assert.NotNil(t, w.CompletedAt)

	// Verification chained exactly once for this PR.
	vType := types.WorkItemTypeVerification
	verifications, err := f.queue.List(ctx, &vType)
	require.NoError(t, err)
	require.Len(t, verifications, 1)
	require.NotNil(t, verifications[0].ParentWorkItemID)
	assert.Equal(t, item.ID, *verifications[0].ParentWorkItemID)

	held, err := f.arbiter.GetLocksForWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Empty(t, held)

	assert.Equal(t, "0", f.activeWorkers(t))

	avg, err := f.store.AvgDurationMSSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), avg)
}

func TestCompleteVerificationMergesParentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.addItem(t)

	vItem, err := f.queue.AddVerificationWorkItem(ctx, parent, 7)
	require.NoError(t, err)

	worker, err := f.sv.Spawn(ctx, vItem)
	require.NoError(t, err)

	passed := true
	err = f.sv.Complete(ctx, &types.CompleteRequest{
		WorkerID:           worker.ID,
		VerificationPassed: &passed,
	})
	require.NoError(t, err)

	got, err := f.store.GetWorkItem(ctx, vItem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusCompleted, got.Status)
	require.NotNil(t, got.VerificationPassed)
	assert.True(t, *got.VerificationPassed)

	gotParent, err := f.store.GetWorkItem(ctx, parent.ID)
	require.NoError(t, err)
	vs, ok := gotParent.Metadata["verificationStatus"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, vs["passed"])
	assert.Equal(t, vItem.ID, vs["verificationWorkItemId"])
}

func TestLateCompleteAfterKill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	require.NoError(t, f.sv.Kill(ctx, worker.ID, "operator request"))

	err = f.sv.Complete(ctx, &types.CompleteRequest{WorkerID: worker.ID})
	assert.ErrorIs(t, err, ErrNotActive)

	err = f.sv.Fail(ctx, &types.FailRequest{WorkerID: worker.ID, Error: "late"})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestFailBackoffSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)

	expect := []time.Duration{1 * time.Minute, 5 * time.Minute, 30 * time.Minute}
	for i, want := range expect {
		// Clear the retry gate so the item is immediately spawnable.
		_, err := f.store.UpdateWorkItem(ctx, item.ID, store.Fields{"nextRetryAt": nil})
		require.NoError(t, err)
		fresh, err := f.store.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)

		worker, err := f.sv.Spawn(ctx, fresh)
		require.NoError(t, err)

		before := time.Now().UTC()
		require.NoError(t, f.sv.Fail(ctx, &types.FailRequest{WorkerID: worker.ID, Error: "boom", Iteration: i + 1}))

		got, err := f.store.GetWorkItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.WorkItemStatusQueued, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
		assert.Nil(t, got.WorkerID)
		require.NotNil(t, got.NextRetryAt)
		delta := got.NextRetryAt.Sub(before)
		assert.InDelta(t, want.Seconds(), delta.Seconds(), 5)
	}

	// Fourth failure exhausts the retries.
	_, err := f.store.UpdateWorkItem(ctx, item.ID, store.Fields{"nextRetryAt": nil})
	require.NoError(t, err)
	fresh, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	worker, err := f.sv.Spawn(ctx, fresh)
	require.NoError(t, err)
	require.NoError(t, f.sv.Fail(ctx, &types.FailRequest{WorkerID: worker.ID, Error: "boom", Iteration: 4}))

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "execution failed (max retries 3)")
	assert.Contains(t, *got.Error, "boom")

	assert.Equal(t, "0", f.activeWorkers(t))
}

func TestVerificationFailRequeuesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.addItem(t)
	vItem, err := f.queue.AddVerificationWorkItem(ctx, parent, 7)
	require.NoError(t, err)

	worker, err := f.sv.Spawn(ctx, vItem)
	require.NoError(t, err)
	require.NoError(t, f.sv.Fail(ctx, &types.FailRequest{WorkerID: worker.ID, Error: "flaky"}))

	got, err := f.store.GetWorkItem(ctx, vItem.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusQueued, got.Status)
	assert.Nil(t, got.NextRetryAt, "verification retries carry no delay")
	assert.Equal(t, 1, got.RetryCount)
}

func TestStuckKeepsSlotAndItemStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	_, err = f.arbiter.AcquireLocks(ctx, worker.ID, item.Repo, []string{"main.go"})
	require.NoError(t, err)

	require.NoError(t, f.sv.Stuck(ctx, &types.StuckRequest{
		WorkerID: worker.ID,
		Reason:   "merge conflict",
		Attempts: 3,
	}))

	w, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusStuck, w.Status)
	require.NotNil(t, w.Error)
	assert.Contains(t, *w.Error, "merge conflict")

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusInProgress, got.Status, "item status unchanged")
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "Worker stuck: merge conflict")

	// Locks free for peers, but the container is alive so the slot stays.
	held, err := f.arbiter.GetLocksForWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, "1", f.activeWorkers(t))
}

func TestKillStuckWorkerFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	require.NoError(t, f.sv.Stuck(ctx, &types.StuckRequest{WorkerID: worker.ID, Reason: "wedged"}))
	require.NoError(t, f.sv.Kill(ctx, worker.ID, "operator request"))

	assert.Equal(t, "0", f.activeWorkers(t))
	assert.True(t, f.rt.Stopped("fake-1") || f.rt.Count() == 0)
}

func TestKillRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, f.sv.Kill(ctx, worker.ID, "stale heartbeat"))

	w, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusKilled, w.Status)

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.InDelta(t, time.Minute.Seconds(), got.NextRetryAt.Sub(before).Seconds(), 5)

	assert.Equal(t, "0", f.activeWorkers(t))
	assert.Equal(t, 0, f.rt.Count(), "container removed")
}

func TestKillExhaustedIterationsFailsItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	// Worker has burned through the iteration cap.
	_, err = f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: worker.ID, Iteration: 10})
	require.NoError(t, err)

	require.NoError(t, f.sv.Kill(ctx, worker.ID, "stale heartbeat"))

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "worker killed")
}

func TestKillConcludedWorkerRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	_, err = f.sv.Heartbeat(ctx, &types.HeartbeatRequest{WorkerID: worker.ID, Iteration: 10})
	require.NoError(t, err)
	require.NoError(t, f.sv.Complete(ctx, &types.CompleteRequest{WorkerID: worker.ID}))

	err = f.sv.Kill(ctx, worker.ID, "operator request")
	assert.ErrorIs(t, err, ErrNotActive)

	// Terminal states are sinks: neither row moves.
	w, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusCompleted, w.Status)

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	// Complete already freed the slot; the refused kill must not
	// decrement again.
	assert.Equal(t, "0", f.activeWorkers(t))
}

func TestRegisterRefusesNonQueuedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)

	ok, err := f.queue.Cancel(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = f.sv.Register(ctx, item.ID)
	assert.ErrorIs(t, err, queue.ErrInvalidState)

	got, err := f.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkItemStatusCancelled, got.Status)
	assert.Nil(t, got.WorkerID)

	workers, err := f.sv.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers, "no orphan worker row survives")
}

func TestHealthCheckFindsStaleWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	stale, err := f.sv.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale, "fresh heartbeat")

	_, err = f.store.UpdateWorker(ctx, worker.ID, store.Fields{
		"lastHeartbeat": time.Now().UTC().Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	stale, err = f.sv.HealthCheck(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, worker.ID, stale[0].ID)

	require.NoError(t, f.sv.Kill(ctx, worker.ID, "stale heartbeat"))
	stale, err = f.sv.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale, "killed workers are not stale")
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.addItem(t)
	worker, err := f.sv.Spawn(ctx, item)
	require.NoError(t, err)

	f.rt.Logs[*worker.ContainerID] = "line1\nline2\nline3\n"

	out, err := f.sv.Logs(ctx, worker.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3\n", out)
}
