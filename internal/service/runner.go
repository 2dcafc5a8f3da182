package service

import (
	"context"

	"github.com/septivank/telemetry-health-worker/internal/heartbeat"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner owns the long-running goroutines of the worker
type Runner struct {
	coordinator *Coordinator
	monitor     *heartbeat.Monitor
	logger      *zap.Logger
}

// NewRunner creates a runner for the coordinator and the heartbeat monitor
func NewRunner(coordinator *Coordinator, monitor *heartbeat.Monitor, logger *zap.Logger) *Runner {
	return &Runner{coordinator: coordinator, monitor: monitor, logger: logger}
}

// Run blocks until ctx is cancelled and both goroutines have returned
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.coordinator.Run(gctx)
	})
	g.Go(func() error {
		return r.monitor.Run(gctx)
	})

	err := g.Wait()
	r.logger.Info("pipeline stopped", zap.Any("counters", r.coordinator.Snapshot()))
	return err
}
