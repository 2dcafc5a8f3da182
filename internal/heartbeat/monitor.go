package heartbeat

import (
	"context"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"go.uber.org/zap"
)

// DefaultSweepInterval is the period of the monitor loop
const DefaultSweepInterval = 30 * time.Second

// StateStore is the persistence the monitor needs
type StateStore interface {
	ListDeviceStates(ctx context.Context) ([]db.DeviceState, error)
	UpsertDeviceState(ctx context.Context, state db.DeviceState) error
}

// TransitionHandler receives every transition found by a sweep
type TransitionHandler func(ctx context.Context, tr Transition)

// Monitor periodically sweeps the tracker and persists device states
type Monitor struct {
	tracker  *Tracker
	store    StateStore
	clock    clock.Clock
	interval time.Duration
	onChange TransitionHandler
	logger   *zap.Logger
}

// NewMonitor creates a new heartbeat monitor
func NewMonitor(tracker *Tracker, store StateStore, clk clock.Clock, interval time.Duration, onChange TransitionHandler, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Monitor{
		tracker:  tracker,
		store:    store,
		clock:    clk,
		interval: interval,
		onChange: onChange,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("heartbeat monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("offline_threshold", m.tracker.Threshold()),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single load, sweep, dispatch and persist cycle.
// Store failures are logged and the next cycle tries again.
func (m *Monitor) RunOnce(ctx context.Context) []Transition {
	states, err := m.store.ListDeviceStates(ctx)
	if err != nil {
		m.logger.Error("failed to load device states", zap.Error(err))
	} else {
		m.tracker.Merge(states)
	}

	now := m.clock.Now()
	transitions := m.tracker.Sweep(now)

	for _, tr := range transitions {
		m.logger.Info("device status changed",
			zap.String("device_id", tr.DeviceID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)),
			zap.Time("last_seen", tr.LastSeen),
		)
		if m.onChange != nil {
			m.onChange(ctx, tr)
		}
	}

	for _, state := range m.tracker.Snapshot() {
		if err := m.store.UpsertDeviceState(ctx, state); err != nil {
			m.logger.Error("failed to persist device state",
				zap.String("device_id", state.DeviceID),
				zap.Error(err),
			)
		}
	}

	return transitions
}
