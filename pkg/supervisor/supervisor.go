package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/skylarbarrera/whim/pkg/config"
	"github.com/skylarbarrera/whim/pkg/events"
	"github.com/skylarbarrera/whim/pkg/locks"
	"github.com/skylarbarrera/whim/pkg/log"
	"github.com/skylarbarrera/whim/pkg/metrics"
	"github.com/skylarbarrera/whim/pkg/queue"
	"github.com/skylarbarrera/whim/pkg/rate"
	"github.com/skylarbarrera/whim/pkg/runtime"
	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/types"
)

const (
	executionMaxRetries = 3
	stopGrace           = 10 * time.Second
	logTailLines        = 100
)

// ErrNotActive is returned when a lifecycle call targets a worker that
// has already reached a terminal state. Late completes and fails from
// containers that lost a race with kill land here.
var ErrNotActive = errors.New("worker not active")

// Supervisor owns the worker lifecycle: spawning containers for work
// items, absorbing the signals workers send back (register, heartbeat,
// complete, fail, stuck), and reaping the ones that stop heartbeating.
// All state transitions go through conditional store updates; the
// supervisor holds no locks of its own.
type Supervisor struct {
	store   store.Store
	arbiter *locks.Arbiter
	queue   *queue.Manager
	limiter *rate.Limiter
	runtime runtime.ContainerRuntime
	events  *events.Broker
	cfg     *config.Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a supervisor. A nil broker disables event publication.
func New(s store.Store, arbiter *locks.Arbiter, q *queue.Manager, limiter *rate.Limiter, rt runtime.ContainerRuntime, broker *events.Broker, cfg *config.Config) *Supervisor {
	return &Supervisor{
		store:   s,
		arbiter: arbiter,
		queue:   q,
		limiter: limiter,
		runtime: rt,
		events:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("supervisor"),
		now:     time.Now,
	}
}

func (sv *Supervisor) publish(t events.EventType, msg, workerID, workItemID string) {
	if sv.events == nil {
		return
	}
	sv.events.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{
		"worker_id":    workerID,
		"work_item_id": workItemID,
	}})
}

// Spawn creates a worker for the item and starts its container. On any
// container failure the worker row is deleted and the item returned to
// queued; the original error is re-raised and rollback failures only
// logged.
func (sv *Supervisor) Spawn(ctx context.Context, item *types.WorkItem) (*types.Worker, error) {
	workerID := uuid.New().String()
	now := sv.now().UTC()
	worker := &types.Worker{
		ID:            workerID,
		WorkItemID:    item.ID,
		Status:        types.WorkerStatusStarting,
		Iteration:     0,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	if err := sv.store.CreateWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	n, err := sv.store.UpdateWorkItemIfStatus(ctx, item.ID,
		[]types.WorkItemStatus{types.WorkItemStatusQueued},
		store.Fields{"status": types.WorkItemStatusInProgress, "workerId": workerID},
	)
	if err == nil && n == 0 {
		err = fmt.Errorf("work item %s is no longer queued", item.ID)
	}
	if err != nil {
		if derr := sv.store.DeleteWorker(ctx, workerID); derr != nil {
			sv.logger.Error().Err(derr).Str("worker_id", workerID).Msg("rollback: failed to delete worker")
		}
		return nil, err
	}

	containerID, err := sv.startContainer(ctx, item, workerID)
	if err != nil {
		metrics.SpawnFailures.Inc()
		sv.rollbackSpawn(ctx, item.ID, workerID, containerID)
		return nil, err
	}

	if _, err := sv.store.UpdateWorker(ctx, workerID, store.Fields{"containerId": containerID}); err != nil {
		sv.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to record container id")
	}
	worker.ContainerID = &containerID

	if err := sv.limiter.RecordSpawn(ctx); err != nil {
		sv.logger.Error().Err(err).Msg("failed to record spawn with rate limiter")
	}
	metrics.WorkersSpawned.Inc()

	sv.logger.Info().
		Str("worker_id", workerID).
		Str("work_item_id", item.ID).
		Str("container_id", containerID).
		Str("mode", string(item.Type)).
		Msg("worker spawned")
	sv.publish(events.EventWorkerSpawned, "worker spawned for "+item.Repo, workerID, item.ID)
	return worker, nil
}

func (sv *Supervisor) startContainer(ctx context.Context, item *types.WorkItem, workerID string) (string, error) {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to serialize work item: %w", err)
	}

	spec := runtime.ContainerSpec{
		Name:  "whim-worker-" + shortID(workerID),
		Image: sv.cfg.WorkerImage,
		Env: []string{
			"WHIM_WORK_ITEM=" + string(itemJSON),
			"WHIM_WORKER_ID=" + workerID,
			"WHIM_ORCHESTRATOR_URL=" + containerURL(sv.cfg.OrchestratorURL),
			"WHIM_MODE=" + string(item.Type),
		},
		Network:     sv.cfg.ContainerNetwork,
		MemoryBytes: sv.cfg.MemoryLimitBytes,
		CPUCores:    sv.cfg.CPUCores,
		PidsLimit:   sv.cfg.PidsLimit,
	}

	containerID, err := sv.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := sv.runtime.StartContainer(ctx, containerID); err != nil {
		return containerID, fmt.Errorf("failed to start container: %w", err)
	}
	return containerID, nil
}

// rollbackSpawn undoes a partial spawn. Failures here are logged, never
// returned, so the original spawn error survives.
func (sv *Supervisor) rollbackSpawn(ctx context.Context, itemID, workerID, containerID string) {
	if containerID != "" {
		if err := sv.runtime.RemoveContainer(ctx, containerID); err != nil {
			sv.logger.Error().Err(err).Str("container_id", containerID).Msg("rollback: failed to remove container")
		}
	}
	if err := sv.store.DeleteWorker(ctx, workerID); err != nil {
		sv.logger.Error().Err(err).Str("worker_id", workerID).Msg("rollback: failed to delete worker")
	}
	if _, err := sv.store.UpdateWorkItem(ctx, itemID, store.Fields{
		"status":   types.WorkItemStatusQueued,
		"workerId": nil,
	}); err != nil {
		sv.logger.Error().Err(err).Str("work_item_id", itemID).Msg("rollback: failed to requeue work item")
	}
}

// Register is how a worker self-announces after container startup. When
// an active worker row already exists for the item (the normal spawn
// path) it is advanced to running; otherwise a fresh row is created and
// the item moved to in_progress.
func (sv *Supervisor) Register(ctx context.Context, workItemID string) (*types.Worker, *types.WorkItem, error) {
	item, err := sv.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, nil, err
	}

	now := sv.now().UTC()
	existing, err := sv.store.ActiveWorkerForItem(ctx, workItemID)
	if err == nil {
		if _, err := sv.store.UpdateWorkerIfActive(ctx, existing.ID, store.Fields{
			"status":        types.WorkerStatusRunning,
			"lastHeartbeat": now,
		}); err != nil {
			return nil, nil, err
		}
		worker, err := sv.store.GetWorker(ctx, existing.ID)
		return worker, item, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	worker := &types.Worker{
		ID:            uuid.New().String(),
		WorkItemID:    workItemID,
		Status:        types.WorkerStatusRunning,
		Iteration:     0,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	if err := sv.store.CreateWorker(ctx, worker); err != nil {
		return nil, nil, fmt.Errorf("failed to register worker: %w", err)
	}
	n, err := sv.store.UpdateWorkItemIfStatus(ctx, workItemID,
		[]types.WorkItemStatus{types.WorkItemStatusQueued},
		store.Fields{
			"status":   types.WorkItemStatusInProgress,
			"workerId": worker.ID,
		})
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		// Cancelled or concluded items cannot be resurrected by a
		// late-arriving container.
		if derr := sv.store.DeleteWorker(ctx, worker.ID); derr != nil {
			sv.logger.Error().Err(derr).Str("worker_id", worker.ID).Msg("failed to remove orphan worker")
		}
		return nil, nil, fmt.Errorf("%w: work item %s is not queued", queue.ErrInvalidState, workItemID)
	}

	sv.logger.Info().
		Str("worker_id", worker.ID).
		Str("work_item_id", workItemID).
		Msg("worker self-registered")
	item, err = sv.store.GetWorkItem(ctx, workItemID)
	return worker, item, err
}

// Heartbeat refreshes liveness and iteration for an active worker. An
// iteration advance counts once against the daily budget; repeat
// heartbeats within the same iteration are free, and a stale heartbeat
// carrying a lower iteration never decrements anything.
func (sv *Supervisor) Heartbeat(ctx context.Context, req *types.HeartbeatRequest) (*types.Worker, error) {
	prev, err := sv.store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
		}
		return nil, err
	}

	fields := store.Fields{
		"status":        types.WorkerStatusRunning,
		"lastHeartbeat": sv.now().UTC(),
	}
	// Iteration only advances; a late heartbeat carrying an older value
	// must not roll it back.
	if req.Iteration > prev.Iteration {
		fields["iteration"] = req.Iteration
	}
	n, err := sv.store.UpdateWorkerIfActive(ctx, req.WorkerID, fields)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
	}

	if req.Iteration > prev.Iteration {
		if err := sv.limiter.RecordIteration(ctx); err != nil {
			sv.logger.Error().Err(err).Str("worker_id", req.WorkerID).Msg("failed to record iteration")
		}
	}

	return sv.store.GetWorker(ctx, req.WorkerID)
}

// Complete finalizes a successful run. The worker and item reach
// completed first; PR-review persistence, verification chaining, parent
// metadata merge, and the metrics row are best-effort and never reverse
// the completion.
func (sv *Supervisor) Complete(ctx context.Context, req *types.CompleteRequest) error {
	worker, err := sv.store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
		}
		return err
	}
	item, err := sv.store.GetWorkItem(ctx, worker.WorkItemID)
	if err != nil {
		return err
	}

	now := sv.now().UTC()
	n, err := sv.store.UpdateWorkerIfActive(ctx, req.WorkerID, store.Fields{
		"status":      types.WorkerStatusCompleted,
		"completedAt": now,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
	}

	switch item.Type {
	case types.WorkItemTypeVerification:
		sv.completeVerification(ctx, item, req, now)
	default:
		sv.completeExecution(ctx, item, req)
	}

	sv.finishWorker(ctx, worker, item, req.Metrics, true)

	sv.logger.Info().
		Str("worker_id", req.WorkerID).
		Str("work_item_id", item.ID).
		Str("type", string(item.Type)).
		Msg("worker completed")
	sv.publish(events.EventWorkerCompleted, "worker completed", req.WorkerID, item.ID)
	return nil
}

func (sv *Supervisor) completeExecution(ctx context.Context, item *types.WorkItem, req *types.CompleteRequest) {
	fields := store.Fields{"status": types.WorkItemStatusCompleted}
	if req.PRURL != nil {
		fields["prUrl"] = *req.PRURL
	}
	if req.PRNumber != nil {
		fields["prNumber"] = *req.PRNumber
	}
	if _, err := sv.store.UpdateWorkItem(ctx, item.ID, fields); err != nil {
		sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to mark work item completed")
		return
	}

	if req.Review != nil && req.PRNumber != nil {
		if err := sv.store.InsertPRReview(ctx, &types.PRReview{
			WorkItemID: item.ID,
			PRNumber:   *req.PRNumber,
			Review:     *req.Review,
			CreatedAt:  sv.now().UTC(),
		}); err != nil {
			sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to persist PR review")
		}
	}

	if req.VerificationEnabled && req.PRNumber != nil {
		if _, err := sv.queue.AddVerificationWorkItem(ctx, item, *req.PRNumber); err != nil {
			sv.logger.Warn().Err(err).Str("work_item_id", item.ID).Msg("verification not chained")
		}
	}
}

func (sv *Supervisor) completeVerification(ctx context.Context, item *types.WorkItem, req *types.CompleteRequest, now time.Time) {
	fields := store.Fields{"status": types.WorkItemStatusCompleted}
	if req.VerificationPassed != nil {
		fields["verificationPassed"] = *req.VerificationPassed
	}
	if _, err := sv.store.UpdateWorkItem(ctx, item.ID, fields); err != nil {
		sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to mark work item completed")
		return
	}

	if item.ParentWorkItemID == nil {
		return
	}
	parent, err := sv.store.GetWorkItem(ctx, *item.ParentWorkItemID)
	if err != nil {
		sv.logger.Error().Err(err).Str("work_item_id", *item.ParentWorkItemID).Msg("failed to load parent for verification status")
		return
	}
	metadata := parent.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	var passed any
	if req.VerificationPassed != nil {
		passed = *req.VerificationPassed
	}
	metadata["verificationStatus"] = map[string]any{
		"passed":                 passed,
		"verificationWorkItemId": item.ID,
		"completedAt":            now.Format(time.RFC3339),
	}
	if _, err := sv.store.UpdateWorkItem(ctx, parent.ID, store.Fields{"metadata": metadata}); err != nil {
		sv.logger.Error().Err(err).Str("work_item_id", parent.ID).Msg("failed to merge verification status into parent")
	}
}

// Fail records a worker-reported failure and decides between retry and
// terminal failure. Execution retries wait out the backoff schedule;
// verification retries requeue immediately.
func (sv *Supervisor) Fail(ctx context.Context, req *types.FailRequest) error {
	worker, err := sv.store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
		}
		return err
	}
	item, err := sv.store.GetWorkItem(ctx, worker.WorkItemID)
	if err != nil {
		return err
	}

	now := sv.now().UTC()
	n, err := sv.store.UpdateWorkerIfActive(ctx, req.WorkerID, store.Fields{
		"status":      types.WorkerStatusFailed,
		"error":       req.Error,
		"completedAt": now,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
	}

	newRetryCount := item.RetryCount + 1
	maxRetries := sv.maxRetriesFor(item.Type)

	if newRetryCount > maxRetries {
		label := "execution"
		if item.Type == types.WorkItemTypeVerification {
			label = "verification"
		}
		if _, err := sv.store.UpdateWorkItem(ctx, item.ID, store.Fields{
			"status":     types.WorkItemStatusFailed,
			"error":      fmt.Sprintf("%s failed (max retries %d): %s", label, maxRetries, req.Error),
			"retryCount": newRetryCount,
			"iteration":  req.Iteration,
		}); err != nil {
			sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to mark work item failed")
		}
	} else {
		fields := store.Fields{
			"status":     types.WorkItemStatusQueued,
			"workerId":   nil,
			"retryCount": newRetryCount,
			"iteration":  req.Iteration,
		}
		if item.Type == types.WorkItemTypeVerification {
			fields["nextRetryAt"] = nil
		} else {
			fields["nextRetryAt"] = now.Add(backoff(newRetryCount))
		}
		if err := sv.applyRequeue(ctx, item.ID, fields); err != nil {
			sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to requeue work item")
		}
	}

	sv.finishWorker(ctx, worker, item, nil, true)

	sv.logger.Warn().
		Str("worker_id", req.WorkerID).
		Str("work_item_id", item.ID).
		Int("retry_count", newRetryCount).
		Str("error", req.Error).
		Msg("worker failed")
	sv.publish(events.EventWorkerFailed, "worker failed: "+req.Error, req.WorkerID, item.ID)
	return nil
}

// Stuck records a live-but-not-progressing worker. The item keeps its
// status so an operator (or the stale reaper, once heartbeats stop) can
// decide; locks are released so peers are not blocked. The active-worker
// count is not decremented because the container is still alive.
func (sv *Supervisor) Stuck(ctx context.Context, req *types.StuckRequest) error {
	worker, err := sv.store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
		}
		return err
	}
	item, err := sv.store.GetWorkItem(ctx, worker.WorkItemID)
	if err != nil {
		return err
	}

	composite := fmt.Sprintf("stuck after %d attempts: %s", req.Attempts, req.Reason)
	n, err := sv.store.UpdateWorkerIfActive(ctx, req.WorkerID, store.Fields{
		"status": types.WorkerStatusStuck,
		"error":  composite,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotActive, req.WorkerID)
	}

	itemErr := "Worker stuck: " + req.Reason
	if item.Error != nil && *item.Error != "" {
		itemErr = *item.Error + "; " + itemErr
	}
	if _, err := sv.store.UpdateWorkItem(ctx, item.ID, store.Fields{"error": itemErr}); err != nil {
		sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to annotate work item")
	}

	if err := sv.arbiter.ReleaseAllLocks(ctx, req.WorkerID); err != nil {
		sv.logger.Error().Err(err).Str("worker_id", req.WorkerID).Msg("failed to release locks")
	}

	sv.logger.Warn().
		Str("worker_id", req.WorkerID).
		Str("work_item_id", item.ID).
		Str("reason", req.Reason).
		Msg("worker stuck")
	sv.publish(events.EventWorkerStuck, "worker stuck: "+req.Reason, req.WorkerID, item.ID)
	return nil
}

// Kill force-stops a worker's container and settles its item: terminal
// failure when retries or iterations are exhausted, otherwise a delayed
// requeue. Containers that are already gone are tolerated.
func (sv *Supervisor) Kill(ctx context.Context, workerID, reason string) error {
	worker, err := sv.store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotActive, workerID)
		}
		return err
	}
	item, err := sv.store.GetWorkItem(ctx, worker.WorkItemID)
	if err != nil {
		return err
	}
	// Terminal workers are sinks; a kill must not re-open them or
	// unsettle their item.
	if !worker.Status.IsActive() && worker.Status != types.WorkerStatusStuck {
		return fmt.Errorf("%w: %s", ErrNotActive, workerID)
	}

	if worker.ContainerID != nil {
		if logs, lerr := sv.runtime.ContainerLogs(ctx, *worker.ContainerID, logTailLines); lerr == nil && logs != "" {
			sv.logger.Info().
				Str("worker_id", workerID).
				Str("container_id", *worker.ContainerID).
				Str("logs", logs).
				Msg("final container output")
		}
		if err := sv.runtime.StopContainer(ctx, *worker.ContainerID, stopGrace); err != nil {
			sv.logger.Warn().Err(err).Str("container_id", *worker.ContainerID).Msg("failed to stop container")
		}
		if err := sv.runtime.RemoveContainer(ctx, *worker.ContainerID); err != nil {
			sv.logger.Warn().Err(err).Str("container_id", *worker.ContainerID).Msg("failed to remove container")
		}
	}

	now := sv.now().UTC()
	n, err := sv.store.UpdateWorkerIfStatus(ctx, workerID,
		[]types.WorkerStatus{types.WorkerStatusStarting, types.WorkerStatusRunning, types.WorkerStatusStuck},
		store.Fields{
			"status":      types.WorkerStatusKilled,
			"error":       reason,
			"completedAt": now,
		})
	if err != nil {
		return err
	}
	if n == 0 {
		// Concluded between the status check and the update.
		return fmt.Errorf("%w: %s", ErrNotActive, workerID)
	}

	newRetryCount := item.RetryCount + 1
	exhausted := newRetryCount > sv.maxRetriesFor(item.Type) || worker.Iteration >= item.MaxIterations
	if exhausted {
		if _, err := sv.store.UpdateWorkItem(ctx, item.ID, store.Fields{
			"status":     types.WorkItemStatusFailed,
			"error":      "worker killed: " + reason,
			"retryCount": newRetryCount,
		}); err != nil {
			sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to mark work item failed")
		}
	} else {
		fields := store.Fields{
			"status":      types.WorkItemStatusQueued,
			"workerId":    nil,
			"retryCount":  newRetryCount,
			"nextRetryAt": now.Add(backoff(newRetryCount)),
		}
		if err := sv.applyRequeue(ctx, item.ID, fields); err != nil {
			sv.logger.Error().Err(err).Str("work_item_id", item.ID).Msg("failed to requeue work item")
		}
	}

	// Only active or stuck workers get here, and both kinds still hold
	// their concurrency slot.
	sv.finishWorker(ctx, worker, item, nil, true)

	sv.logger.Warn().
		Str("worker_id", workerID).
		Str("work_item_id", item.ID).
		Str("reason", reason).
		Bool("exhausted", exhausted).
		Msg("worker killed")
	sv.publish(events.EventWorkerKilled, "worker killed: "+reason, workerID, item.ID)
	return nil
}

// HealthCheck returns active workers whose last heartbeat is older than
// the stale threshold. The scheduler kills each one.
func (sv *Supervisor) HealthCheck(ctx context.Context) ([]*types.Worker, error) {
	cutoff := sv.now().UTC().Add(-sv.cfg.StaleThreshold())
	return sv.store.StaleWorkers(ctx, cutoff)
}

// List returns all workers.
func (sv *Supervisor) List(ctx context.Context) ([]*types.Worker, error) {
	return sv.store.ListWorkers(ctx)
}

// Stats summarizes workers by status.
func (sv *Supervisor) Stats(ctx context.Context) (*types.WorkerStats, error) {
	return sv.store.WorkerStats(ctx)
}

// Logs tails the worker's container output.
func (sv *Supervisor) Logs(ctx context.Context, workerID string, lines int) (string, error) {
	worker, err := sv.store.GetWorker(ctx, workerID)
	if err != nil {
		return "", err
	}
	if worker.ContainerID == nil {
		return "", nil
	}
	return sv.runtime.ContainerLogs(ctx, *worker.ContainerID, lines)
}

// finishWorker runs the shared terminal-transition side effects: lock
// release, optional metrics row, and (when the worker occupied a slot)
// the active-worker decrement.
func (sv *Supervisor) finishWorker(ctx context.Context, worker *types.Worker, item *types.WorkItem, m *types.MetricsPayload, releaseSlot bool) {
	if err := sv.arbiter.ReleaseAllLocks(ctx, worker.ID); err != nil {
		sv.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to release locks")
	}

	if m != nil {
		if err := sv.store.InsertWorkerMetrics(ctx, &types.WorkerMetrics{
			WorkerID:      worker.ID,
			WorkItemID:    item.ID,
			TokensIn:      m.TokensIn,
			TokensOut:     m.TokensOut,
			DurationMS:    m.DurationMS,
			FilesModified: m.FilesModified,
			TestsRun:      m.TestsRun,
			TestsPassed:   m.TestsPassed,
			Iteration:     worker.Iteration,
			CreatedAt:     sv.now().UTC(),
		}); err != nil {
			sv.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to persist worker metrics")
		}
	}

	if releaseSlot {
		if err := sv.limiter.RecordWorkerDone(ctx); err != nil {
			sv.logger.Error().Err(err).Msg("failed to record worker done")
		}
	}
}

// applyRequeue moves an item back to queued only if it is still
// in_progress; a concurrent cancel or complete wins.
func (sv *Supervisor) applyRequeue(ctx context.Context, itemID string, fields store.Fields) error {
	_, err := sv.store.UpdateWorkItemIfStatus(ctx, itemID,
		[]types.WorkItemStatus{types.WorkItemStatusInProgress},
		fields,
	)
	return err
}

func (sv *Supervisor) maxRetriesFor(t types.WorkItemType) int {
	if t == types.WorkItemTypeVerification {
		return sv.cfg.VerificationRetries
	}
	return executionMaxRetries
}

// backoff returns the delay before the n-th retry, saturating at the
// last schedule entry.
func backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > len(config.ExecutionBackoff) {
		n = len(config.ExecutionBackoff)
	}
	return config.ExecutionBackoff[n-1]
}

// containerURL rewrites a localhost orchestrator URL to the address a
// container can reach the host at.
func containerURL(raw string) string {
	bridge := "172.17.0.1"
	if goruntime.GOOS == "darwin" {
		bridge = "host.docker.internal"
	}
	replaced := strings.Replace(raw, "localhost", bridge, 1)
	return strings.Replace(replaced, "127.0.0.1", bridge, 1)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
