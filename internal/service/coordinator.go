package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/alert"
	"github.com/septivank/telemetry-health-worker/internal/anomaly"
	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/internal/heartbeat"
	"github.com/septivank/telemetry-health-worker/internal/logging"
	"github.com/septivank/telemetry-health-worker/internal/repository"
	"github.com/septivank/telemetry-health-worker/internal/validator"
	"go.uber.org/zap"
)

// ErrInboxFull is returned by Submit when the inbox stayed full for the enqueue timeout
var ErrInboxFull = errors.New("ingest inbox full")

const (
	// DefaultBufferSize is the inbox capacity
	DefaultBufferSize = 1024
	// seedTimeout bounds the lookup that rebuilds the change-rate cache
	seedTimeout = 2 * time.Second
)

// Message is one inbound bus message waiting for processing
type Message struct {
	Topic      string
	Body       []byte
	ReceivedAt time.Time
}

// ReadingFinder looks up the latest persisted reading of a pair
type ReadingFinder interface {
	FindLatestBySensor(ctx context.Context, deviceID, sensorType string) (*db.Reading, error)
}

// Snapshot is a point-in-time view of the pipeline counters
type Snapshot struct {
	Received   int64            `json:"received"`
	Validated  int64            `json:"validated"`
	Persisted  int64            `json:"persisted"`
	Alerts     int64            `json:"alerts"`
	Suppressed int64            `json:"suppressed"`
	Reconnects int64            `json:"reconnects"`
	InboxDepth int              `json:"inbox_depth"`
	Errors     map[string]int64 `json:"errors"`
}

// CoordinatorConfig holds coordinator dependencies and settings
type CoordinatorConfig struct {
	Writer         *repository.Writer
	Finder         ReadingFinder
	Tracker        *heartbeat.Tracker
	Detector       *anomaly.Detector
	Engine         *alert.Engine
	Clock          clock.Clock
	BufferSize     int
	EnqueueTimeout time.Duration
	Logger         *zap.Logger
}

// Coordinator drives every inbound message through validation, persistence,
// heartbeat, anomaly detection and alerting on a single processing goroutine
type Coordinator struct {
	writer         *repository.Writer
	finder         ReadingFinder
	tracker        *heartbeat.Tracker
	detector       *anomaly.Detector
	engine         *alert.Engine
	clock          clock.Clock
	enqueueTimeout time.Duration
	logger         *zap.Logger

	inbox chan Message

	received         atomic.Int64
	validated        atomic.Int64
	persisted        atomic.Int64
	alerts           atomic.Int64
	reconnects       atomic.Int64
	inboxErrors      atomic.Int64
	validationErrors atomic.Int64
	persistErrors    atomic.Int64
}

// NewCoordinator creates a new ingestion coordinator
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		writer:         cfg.Writer,
		finder:         cfg.Finder,
		tracker:        cfg.Tracker,
		detector:       cfg.Detector,
		engine:         cfg.Engine,
		clock:          cfg.Clock,
		enqueueTimeout: cfg.EnqueueTimeout,
		logger:         cfg.Logger,
		inbox:          make(chan Message, cfg.BufferSize),
	}
}

// Submit enqueues a message from the transport. It waits up to the enqueue
// timeout for room in the inbox and returns ErrInboxFull otherwise.
func (c *Coordinator) Submit(ctx context.Context, topic string, body []byte) error {
	c.received.Add(1)

	payload := make([]byte, len(body))
	copy(payload, body)
	msg := Message{Topic: topic, Body: payload, ReceivedAt: c.clock.Now()}

	select {
	case c.inbox <- msg:
		return nil
	default:
	}

	if c.enqueueTimeout <= 0 {
		c.inboxErrors.Add(1)
		return ErrInboxFull
	}

	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()

	select {
	case c.inbox <- msg:
		return nil
	case <-timer.C:
		c.inboxErrors.Add(1)
		c.logger.Warn("inbox full, dropping message", zap.String("topic", topic))
		return ErrInboxFull
	case <-ctx.Done():
		c.inboxErrors.Add(1)
		return ctx.Err()
	}
}

// Run consumes the inbox until ctx is cancelled. A message already taken
// from the inbox is finished even if ctx is cancelled meanwhile.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("ingestion coordinator started", zap.Int("buffer_size", cap(c.inbox)))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingestion coordinator stopped", zap.Int("pending", len(c.inbox)))
			return nil
		case msg := <-c.inbox:
			_ = c.Handle(context.WithoutCancel(ctx), msg)
		}
	}
}

// Handle processes one message through every stage. The returned error
// identifies the stage that rejected the message; it is already logged.
func (c *Coordinator) Handle(ctx context.Context, msg Message) error {
	reading, err := validator.Validate(msg.Body, msg.ReceivedAt)
	if err != nil {
		c.validationErrors.Add(1)
		c.logger.Warn("invalid message rejected",
			zap.String("topic", msg.Topic),
			zap.Int("body_size", len(msg.Body)),
			zap.Error(err),
		)
		return err
	}
	c.validated.Add(1)

	log := logging.WithDevice(c.logger, reading.DeviceID, reading.SensorType)

	// seed before the write, otherwise the lookup finds this very reading
	c.seedChangeRate(ctx, reading, log)

	if _, err := c.writer.Write(ctx, reading, msg.Topic); err != nil {
		c.persistErrors.Add(1)
		log.Error("failed to persist reading", zap.Error(err))
		return err
	}
	c.persisted.Add(1)

	if prev := c.tracker.Touch(reading.DeviceID, reading.ReceivedAt); prev == db.StatusOffline {
		c.reconnects.Add(1)
		log.Info("device reconnected")
		c.engine.RaiseTransition(ctx, heartbeat.Transition{
			DeviceID: reading.DeviceID,
			From:     db.StatusOffline,
			To:       db.StatusOnline,
			LastSeen: reading.ReceivedAt,
			At:       reading.ReceivedAt,
		})
	}

	result := c.detector.Detect(reading)
	if len(result.Anomalies) > 0 {
		log.Warn("anomalies detected",
			zap.Float64("value", reading.Value),
			zap.Strings("anomalies", result.Anomalies),
		)
	}

	rate := result.ChangeRate
	fired := c.engine.Evaluate(ctx, reading, &rate, result.Anomalies)
	c.alerts.Add(int64(len(fired)))

	log.Debug("reading processed",
		zap.String("id", reading.ID),
		zap.Float64("value", reading.Value),
		zap.Float64("change_rate", rate),
		zap.Int("alerts", len(fired)),
	)
	return nil
}

// seedChangeRate rebuilds the change-rate cache entry of a pair from the
// latest persisted reading. Failures leave the cache empty, so the rate is 0.
func (c *Coordinator) seedChangeRate(ctx context.Context, reading *db.Reading, log *zap.Logger) {
	if c.finder == nil || c.detector.Known(reading.DeviceID, reading.SensorType) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()

	prev, err := c.finder.FindLatestBySensor(ctx, reading.DeviceID, reading.SensorType)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Warn("failed to rebuild change rate cache", zap.Error(err))
		}
		return
	}
	c.detector.Prime(reading.DeviceID, reading.SensorType, prev.Value, prev.Timestamp)
}

// Snapshot returns the current counters
func (c *Coordinator) Snapshot() Snapshot {
	stats := c.engine.Stats()
	return Snapshot{
		Received:   c.received.Load(),
		Validated:  c.validated.Load(),
		Persisted:  c.persisted.Load(),
		Alerts:     c.alerts.Load(),
		Suppressed: stats.Suppressed,
		Reconnects: c.reconnects.Load(),
		InboxDepth: len(c.inbox),
		Errors: map[string]int64{
			"inbox":        c.inboxErrors.Load(),
			"validation":   c.validationErrors.Load(),
			"persistence":  c.persistErrors.Load(),
			"evaluation":   stats.EvalErrors,
			"alert_store":  stats.StoreErrors,
			"notification": stats.NotifyErrors,
		},
	}
}
