package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/skylarbarrera/whim/pkg/log"
	"github.com/skylarbarrera/whim/pkg/metrics"
	"github.com/skylarbarrera/whim/pkg/queue"
	"github.com/skylarbarrera/whim/pkg/rate"
	"github.com/skylarbarrera/whim/pkg/supervisor"
)

// Scheduler is the single background loop that turns queued work items
// into running workers and reaps the ones that stopped heartbeating. At
// most one spawn per tick; the rate limiter enforces the cooldown
// defensively on top of that.
type Scheduler struct {
	queue      *queue.Manager
	supervisor *supervisor.Supervisor
	limiter    *rate.Limiter
	aggregator *metrics.Aggregator
	interval   time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	logger     zerolog.Logger
}

// New creates a scheduler ticking at the given interval.
func New(q *queue.Manager, sv *supervisor.Supervisor, limiter *rate.Limiter, agg *metrics.Aggregator, interval time.Duration) *Scheduler {
	return &Scheduler{
		queue:      q,
		supervisor: sv,
		limiter:    limiter,
		aggregator: agg,
		interval:   interval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     log.WithComponent("scheduler"),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	go s.run()
}

// Stop stops the scheduler and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info().Msg("scheduler stopped")
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Tick performs one scheduling cycle: spawn phase, reap phase, gauge
// refresh. Errors are logged and never stop the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickLatency.Observe(time.Since(start).Seconds())
	}()

	if err := s.spawnPhase(ctx); err != nil {
		s.logger.Error().Err(err).Msg("spawn phase failed")
	}
	if err := s.reapPhase(ctx); err != nil {
		s.logger.Error().Err(err).Msg("reap phase failed")
	}
	if err := s.aggregator.RefreshGauges(ctx); err != nil {
		s.logger.Error().Err(err).Msg("gauge refresh failed")
	}
}

func (s *Scheduler) spawnPhase(ctx context.Context) error {
	ok, err := s.limiter.CanSpawnWorker(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	items, err := s.queue.Eligible(ctx, 1)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	item := items[0]
	if _, err := s.supervisor.Spawn(ctx, item); err != nil {
		// The spawn rollback already requeued the item; next tick retries.
		s.logger.Warn().Err(err).Str("work_item_id", item.ID).Msg("spawn failed")
	}
	return nil
}

// reapPhase kills workers with stale heartbeats, sequentially so reaping
// can never contend with its own kills.
func (s *Scheduler) reapPhase(ctx context.Context) error {
	stale, err := s.supervisor.HealthCheck(ctx)
	if err != nil {
		return err
	}
	for _, worker := range stale {
		if err := s.supervisor.Kill(ctx, worker.ID, "stale heartbeat"); err != nil {
			s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to reap worker")
			continue
		}
		metrics.WorkersReaped.Inc()
	}
	return nil
}
