package metrics

import (
	"context"
	"time"

	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/types"
)

// Aggregator computes the read-only summary straight from the durable
// tables. No caching; every call reflects current state, and an empty
// database yields zeros.
type Aggregator struct {
	store store.Store
	now   func() time.Time
}

// NewAggregator creates an aggregator over the durable store.
func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{store: s, now: time.Now}
}

// Summary returns today's operational numbers. "Today" starts at UTC
// midnight, matching the rate limiter's budget day.
func (a *Aggregator) Summary(ctx context.Context) (*types.Summary, error) {
	midnight := a.now().UTC().Truncate(24 * time.Hour)

	active, err := a.store.CountActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := a.store.CountWorkItems(ctx, types.WorkItemStatusQueued)
	if err != nil {
		return nil, err
	}
	completed, err := a.store.CountWorkItemsSince(ctx, types.WorkItemStatusCompleted, midnight)
	if err != nil {
		return nil, err
	}
	failed, err := a.store.CountWorkItemsSince(ctx, types.WorkItemStatusFailed, midnight)
	if err != nil {
		return nil, err
	}
	iterations, err := a.store.SumIterationsSince(ctx, midnight)
	if err != nil {
		return nil, err
	}
	avgDuration, err := a.store.AvgDurationMSSince(ctx, midnight)
	if err != nil {
		return nil, err
	}

	summary := &types.Summary{
		ActiveWorkers:   active,
		QueuedItems:     queued,
		CompletedToday:  completed,
		FailedToday:     failed,
		IterationsToday: iterations,
		AvgDurationMS:   avgDuration,
	}
	if completed+failed > 0 {
		summary.SuccessRate = float64(completed) / float64(completed+failed)
	}
	return summary, nil
}

// RefreshGauges pushes current status counts into the Prometheus gauges.
// Called once per scheduler tick.
func (a *Aggregator) RefreshGauges(ctx context.Context) error {
	itemStats, err := a.store.WorkItemStats(ctx)
	if err != nil {
		return err
	}
	WorkItemsTotal.Reset()
	for status, n := range itemStats.ByStatus {
		WorkItemsTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	workerStats, err := a.store.WorkerStats(ctx)
	if err != nil {
		return err
	}
	WorkersTotal.Reset()
	for status, n := range workerStats.ByStatus {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	return nil
}
