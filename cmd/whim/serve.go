package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skylarbarrera/whim/pkg/api"
	"github.com/skylarbarrera/whim/pkg/config"
	"github.com/skylarbarrera/whim/pkg/events"
	"github.com/skylarbarrera/whim/pkg/faststore"
	"github.com/skylarbarrera/whim/pkg/locks"
	"github.com/skylarbarrera/whim/pkg/log"
	"github.com/skylarbarrera/whim/pkg/metrics"
	"github.com/skylarbarrera/whim/pkg/queue"
	"github.com/skylarbarrera/whim/pkg/rate"
	"github.com/skylarbarrera/whim/pkg/runtime"
	"github.com/skylarbarrera/whim/pkg/scheduler"
	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator daemon: the HTTP API, the scheduler loop,
and the container supervisor. Configuration comes from WHIM_* environment
variables and the optional YAML file named by WHIM_CONFIG.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	var fs faststore.FastStore
	if cfg.RedisAddr != "" {
		fs, err = faststore.NewRedisStore(context.Background(), cfg.RedisAddr)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis fast store")
	} else {
		fs, err = faststore.NewBoltStore(cfg.DataDir)
		logger.Info().Str("dir", cfg.DataDir).Msg("using embedded fast store")
	}
	if err != nil {
		return fmt.Errorf("failed to open fast store: %w", err)
	}
	defer fs.Close()

	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket, filepath.Join(cfg.DataDir, "logs"))
	if err != nil {
		return fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	defer rt.Close()

	limiter := rate.NewLimiter(fs, rate.Config{
		MaxWorkers:  cfg.MaxWorkers,
		DailyBudget: cfg.DailyBudget,
		Cooldown:    cfg.Cooldown(),
	})
	arbiter := locks.NewArbiter(s)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	q := queue.NewManager(s, broker, cfg.MaxIterations)
	sv := supervisor.New(s, arbiter, q, limiter, rt, broker, cfg)
	agg := metrics.NewAggregator(s)
	sched := scheduler.New(q, sv, limiter, agg, cfg.TickInterval)
	server := api.NewServer(q, sv, arbiter, limiter, agg, s, broker)

	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	return nil
}
