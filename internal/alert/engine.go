package alert

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/internal/heartbeat"
	"go.uber.org/zap"
)

// Policy selects how many matching rules may fire for one reading
type Policy string

const (
	// PolicyAll evaluates every rule independently
	PolicyAll Policy = "all"
	// PolicyFirstMatch lets only the first matching rule in order decide;
	// if it is cooling down nothing fires
	PolicyFirstMatch Policy = "first_match"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyAll:
		return PolicyAll, nil
	case PolicyFirstMatch:
		return PolicyFirstMatch, nil
	default:
		return "", fmt.Errorf("unknown alert policy %q", s)
	}
}

// Rule names used for heartbeat transition alerts
const (
	RuleDeviceOffline     = "device_offline"
	RuleDeviceReconnected = "device_reconnected"
)

// DefaultNotifyTimeout bounds delivery to a single sink
const DefaultNotifyTimeout = 2 * time.Second

// Store is the alert persistence used by the engine
type Store interface {
	InsertAlert(ctx context.Context, event *db.AlertEvent) error
	FindAlert(ctx context.Context, alertID string) (*db.AlertEvent, error)
	AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error
}

// Stats are the engine counters
type Stats struct {
	Triggered    int64 `json:"triggered"`
	Suppressed   int64 `json:"suppressed"`
	EvalErrors   int64 `json:"eval_errors"`
	StoreErrors  int64 `json:"store_errors"`
	NotifyErrors int64 `json:"notify_errors"`
}

// EngineConfig holds engine dependencies and settings
type EngineConfig struct {
	Rules         []Rule
	Policy        Policy
	Cooldowns     Cooldowns
	Store         Store
	Sinks         []Sink
	Clock         clock.Clock
	NotifyTimeout time.Duration
	Logger        *zap.Logger
}

// Engine evaluates rules against readings and raises alerts
type Engine struct {
	rules         []Rule
	policy        Policy
	cooldowns     Cooldowns
	store         Store
	sinks         []Sink
	clock         clock.Clock
	notifyTimeout time.Duration
	logger        *zap.Logger

	triggered    atomic.Int64
	suppressed   atomic.Int64
	evalErrors   atomic.Int64
	storeErrors  atomic.Int64
	notifyErrors atomic.Int64
}

// NewEngine creates a new alert engine
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = PolicyAll
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = NewMemoryCooldowns(cfg.Clock)
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		rules:         cfg.Rules,
		policy:        cfg.Policy,
		cooldowns:     cfg.Cooldowns,
		store:         cfg.Store,
		sinks:         cfg.Sinks,
		clock:         cfg.Clock,
		notifyTimeout: cfg.NotifyTimeout,
		logger:        cfg.Logger,
	}
}

// Rules returns the configured rules in evaluation order
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		Triggered:    e.triggered.Load(),
		Suppressed:   e.suppressed.Load(),
		EvalErrors:   e.evalErrors.Load(),
		StoreErrors:  e.storeErrors.Load(),
		NotifyErrors: e.notifyErrors.Load(),
	}
}

// Evaluate runs the rule set against a reading and returns the alerts that fired
func (e *Engine) Evaluate(ctx context.Context, reading *db.Reading, changeRate *float64, anomalies []string) []db.AlertEvent {
	env := Env{Value: reading.Value, ChangeRate: changeRate}
	var fired []db.AlertEvent

	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.Applies(reading.SensorType) {
			continue
		}

		matched, err := rule.Condition.Eval(env)
		if err != nil {
			e.evalErrors.Add(1)
			e.logger.Warn("rule condition failed, treating as no match",
				zap.String("rule_name", rule.Name),
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}

		allowed, err := e.cooldowns.Acquire(ctx, reading.DeviceID, rule.Name, rule.Cooldown)
		if err != nil {
			// an unreachable cooldown store must not silence alerts
			e.logger.Error("cooldown check failed, firing anyway",
				zap.String("rule_name", rule.Name),
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
			allowed = true
		}

		if !allowed {
			e.suppressed.Add(1)
			e.logger.Debug("alert suppressed by cooldown",
				zap.String("rule_name", rule.Name),
				zap.String("device_id", reading.DeviceID),
			)
		} else {
			event := e.newEvent(reading, rule, changeRate, anomalies)
			e.raise(ctx, event)
			fired = append(fired, *event)
		}

		if e.policy == PolicyFirstMatch {
			break
		}
	}

	return fired
}

func (e *Engine) newEvent(reading *db.Reading, rule *Rule, changeRate *float64, anomalies []string) *db.AlertEvent {
	var rate *float64
	if changeRate != nil {
		r := *changeRate
		rate = &r
	}
	return &db.AlertEvent{
		AlertID:          uuid.New().String(),
		DeviceID:         reading.DeviceID,
		RuleName:         rule.Name,
		Severity:         rule.Severity,
		SensorType:       reading.SensorType,
		Value:            reading.Value,
		ChangeRate:       rate,
		Message:          RenderMessage(rule.Message, rule.Name, reading, changeRate),
		Anomalies:        anomalies,
		TriggeredAt:      e.clock.Now(),
		ReadingTimestamp: reading.Timestamp,
	}
}

// RaiseTransition persists and dispatches a heartbeat transition alert
func (e *Engine) RaiseTransition(ctx context.Context, tr heartbeat.Transition) *db.AlertEvent {
	event := &db.AlertEvent{
		AlertID:          uuid.New().String(),
		DeviceID:         tr.DeviceID,
		TriggeredAt:      e.clock.Now(),
		ReadingTimestamp: tr.LastSeen,
	}

	switch tr.To {
	case db.StatusOffline:
		event.RuleName = RuleDeviceOffline
		event.Severity = db.SeverityWarning
		event.Message = fmt.Sprintf("device %s offline, last seen %s", tr.DeviceID, tr.LastSeen.Format(time.RFC3339))
	case db.StatusOnline:
		event.RuleName = RuleDeviceReconnected
		event.Severity = db.SeverityInfo
		event.Message = fmt.Sprintf("device %s back online", tr.DeviceID)
	default:
		return nil
	}

	e.raise(ctx, event)
	return event
}

// raise persists the event and delivers it to every sink. Failures are
// logged and counted; they never stop delivery to the remaining sinks.
func (e *Engine) raise(ctx context.Context, event *db.AlertEvent) {
	e.triggered.Add(1)

	if e.store != nil {
		if err := e.store.InsertAlert(ctx, event); err != nil {
			e.storeErrors.Add(1)
			e.logger.Error("failed to persist alert",
				zap.String("alert_id", event.AlertID),
				zap.String("rule_name", event.RuleName),
				zap.Error(err),
			)
		}
	}

	for _, sink := range e.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		err := sink.Send(sendCtx, event)
		cancel()
		if err != nil {
			e.notifyErrors.Add(1)
			nerr := &NotificationError{Sink: sink.Name(), Err: err}
			e.logger.Warn("alert notification failed",
				zap.String("alert_id", event.AlertID),
				zap.Error(nerr),
			)
		}
	}
}

// Acknowledge marks an alert as acknowledged by an operator
func (e *Engine) Acknowledge(ctx context.Context, alertID string) (*db.AlertEvent, error) {
	if e.store == nil {
		return nil, errors.New("no alert store configured")
	}
	if err := e.store.AcknowledgeAlert(ctx, alertID, e.clock.Now()); err != nil {
		return nil, err
	}
	return e.store.FindAlert(ctx, alertID)
}
