package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/internal/heartbeat"
	"github.com/septivank/telemetry-health-worker/internal/repository"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []db.AlertEvent
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(ctx context.Context, event *db.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type failingAlertStore struct {
	*repository.MemoryStore
}

func (failingAlertStore) InsertAlert(ctx context.Context, event *db.AlertEvent) error {
	return errors.New("disk full")
}

func compileRules(t *testing.T, specs ...RuleSpec) []Rule {
	t.Helper()
	rules, err := CompileRules(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rules
}

func highTemperature() RuleSpec {
	return RuleSpec{
		Name:       "high_temperature",
		SensorType: "temperature",
		Condition:  "value > 35",
		Severity:   "critical",
		Message:    "temperature {value} too high on {device_id}",
		Cooldown:   60 * time.Second,
	}
}

func newTestEngine(t *testing.T, clk *clock.Fake, policy Policy, store Store, sink Sink, specs ...RuleSpec) *Engine {
	return NewEngine(EngineConfig{
		Rules:     compileRules(t, specs...),
		Policy:    policy,
		Cooldowns: NewMemoryCooldowns(clk),
		Store:     store,
		Sinks:     []Sink{sink},
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
}

func temperatureReading(value float64, at time.Time) *db.Reading {
	return &db.Reading{DeviceID: "d1", SensorType: "temperature", Value: value, Timestamp: at}
}

func TestEngine_CooldownScenario(t *testing.T) {
	clk := clock.NewFake(t0)
	store := repository.NewMemoryStore()
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, store, sink, highTemperature())
	zero := 0.0

	fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil)
	if len(fired) != 1 || fired[0].Severity != db.SeverityCritical {
		t.Fatalf("Expected one critical alert at t=0, got %v", fired)
	}

	clk.Advance(10 * time.Second)
	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil); len(fired) != 0 {
		t.Fatalf("Expected no alert at t=10s, got %v", fired)
	}

	clk.Advance(60 * time.Second)
	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil); len(fired) != 1 {
		t.Fatalf("Expected one alert at t=70s, got %v", fired)
	}

	if len(store.Alerts()) != 2 || sink.count() != 2 {
		t.Errorf("Expected 2 persisted and notified alerts, got %d/%d", len(store.Alerts()), sink.count())
	}
	if stats := engine.Stats(); stats.Suppressed != 1 || stats.Triggered != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestEngine_CooldownBoundary(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink, highTemperature())
	zero := 0.0

	engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil)

	clk.Advance(30 * time.Second)
	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil); len(fired) != 0 {
		t.Errorf("Expected suppression at C/2, got %v", fired)
	}

	clk.Advance(30*time.Second + time.Millisecond)
	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil); len(fired) != 1 {
		t.Errorf("Expected firing after C, got %v", fired)
	}
}

func TestEngine_CooldownIsPerDevice(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink, highTemperature())
	zero := 0.0

	engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil)
	other := &db.Reading{DeviceID: "d2", SensorType: "temperature", Value: 40, Timestamp: clk.Now()}
	if fired := engine.Evaluate(context.Background(), other, &zero, nil); len(fired) != 1 {
		t.Errorf("Expected d2 to fire independently, got %v", fired)
	}
}

func TestEngine_SensorFilter(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink, highTemperature())
	zero := 0.0

	humidity := &db.Reading{DeviceID: "d1", SensorType: "humidity", Value: 90, Timestamp: clk.Now()}
	if fired := engine.Evaluate(context.Background(), humidity, &zero, nil); len(fired) != 0 {
		t.Errorf("Expected no alert for humidity, got %v", fired)
	}
}

func TestEngine_SensorFilterIgnoresCase(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink, highTemperature())
	zero := 0.0

	upper := &db.Reading{DeviceID: "d1", SensorType: "Temperature", Value: 40, Timestamp: clk.Now()}
	if fired := engine.Evaluate(context.Background(), upper, &zero, nil); len(fired) != 1 {
		t.Errorf("Expected rule to match Temperature, got %v", fired)
	}
}

func TestEngine_AllPolicyFiresEveryMatch(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink,
		highTemperature(),
		RuleSpec{Name: "any_heat", Condition: "value > 30", Severity: "warning"},
	)
	zero := 0.0

	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil); len(fired) != 2 {
		t.Errorf("Expected 2 alerts, got %v", fired)
	}
}

func TestEngine_FirstMatchPolicy(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyFirstMatch, repository.NewMemoryStore(), sink,
		highTemperature(),
		RuleSpec{Name: "any_heat", Condition: "value > 30", Severity: "warning"},
	)
	zero := 0.0

	fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil)
	if len(fired) != 1 || fired[0].RuleName != "high_temperature" {
		t.Fatalf("Expected only high_temperature, got %v", fired)
	}

	// the authoritative rule is cooling down, so nothing fires
	clk.Advance(time.Second)
	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil); len(fired) != 0 {
		t.Errorf("Expected no alert, got %v", fired)
	}

	// below the first rule, the second one is the first match
	if fired := engine.Evaluate(context.Background(), temperatureReading(32, clk.Now()), &zero, nil); len(fired) != 1 || fired[0].RuleName != "any_heat" {
		t.Errorf("Expected any_heat, got %v", fired)
	}
}

func TestEngine_EvalErrorIsNoMatch(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink,
		RuleSpec{Name: "fast_change", Condition: "change_rate > 5", Severity: "warning"},
	)

	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), nil, nil); len(fired) != 0 {
		t.Errorf("Expected no alert, got %v", fired)
	}
	if engine.Stats().EvalErrors != 1 {
		t.Errorf("Expected one eval error, got %+v", engine.Stats())
	}
}

func TestEngine_StoreFailureStillNotifies(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, failingAlertStore{repository.NewMemoryStore()}, sink, highTemperature())
	zero := 0.0

	fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil)
	if len(fired) != 1 {
		t.Fatalf("Expected one alert, got %v", fired)
	}
	if sink.count() != 1 {
		t.Errorf("Expected notification despite store failure")
	}
	if engine.Stats().StoreErrors != 1 {
		t.Errorf("Expected one store error, got %+v", engine.Stats())
	}
}

func TestEngine_SinkFailureIsCounted(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{err: errors.New("broker down")}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink, highTemperature())
	zero := 0.0

	if fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil); len(fired) != 1 {
		t.Fatalf("Expected one alert, got %v", fired)
	}
	if engine.Stats().NotifyErrors != 1 {
		t.Errorf("Expected one notify error, got %+v", engine.Stats())
	}
}

func TestEngine_EventFields(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, repository.NewMemoryStore(), sink, highTemperature())
	rate := 2.5

	fired := engine.Evaluate(context.Background(), temperatureReading(40, t0.Add(-time.Second)), &rate, []string{"value 40.00 above maximum 35.00"})
	if len(fired) != 1 {
		t.Fatalf("Expected one alert, got %v", fired)
	}
	e := fired[0]
	if e.AlertID == "" || e.Acknowledged {
		t.Errorf("Unexpected identity/ack %+v", e)
	}
	if e.ChangeRate == nil || *e.ChangeRate != 2.5 {
		t.Errorf("Unexpected change rate %v", e.ChangeRate)
	}
	if !e.TriggeredAt.Equal(t0) || !e.ReadingTimestamp.Equal(t0.Add(-time.Second)) {
		t.Errorf("Unexpected times %v / %v", e.TriggeredAt, e.ReadingTimestamp)
	}
	if e.Message != "temperature 40 too high on d1" {
		t.Errorf("Unexpected message %q", e.Message)
	}
	if len(e.Anomalies) != 1 {
		t.Errorf("Expected anomalies to be attached, got %v", e.Anomalies)
	}
}

func TestEngine_RaiseTransition(t *testing.T) {
	clk := clock.NewFake(t0)
	store := repository.NewMemoryStore()
	sink := &recordingSink{}
	engine := newTestEngine(t, clk, PolicyAll, store, sink)

	offline := engine.RaiseTransition(context.Background(), heartbeat.Transition{
		DeviceID: "d1", From: db.StatusOnline, To: db.StatusOffline, LastSeen: t0.Add(-5 * time.Minute), At: t0,
	})
	if offline == nil || offline.RuleName != RuleDeviceOffline || offline.Severity != db.SeverityWarning {
		t.Fatalf("Unexpected offline event %+v", offline)
	}

	online := engine.RaiseTransition(context.Background(), heartbeat.Transition{
		DeviceID: "d1", From: db.StatusOffline, To: db.StatusOnline, LastSeen: t0, At: t0,
	})
	if online == nil || online.RuleName != RuleDeviceReconnected || online.Severity != db.SeverityInfo {
		t.Fatalf("Unexpected online event %+v", online)
	}

	if len(store.Alerts()) != 2 || sink.count() != 2 {
		t.Errorf("Expected 2 transition alerts persisted and notified")
	}
}

func TestEngine_AcknowledgeOnce(t *testing.T) {
	clk := clock.NewFake(t0)
	store := repository.NewMemoryStore()
	engine := newTestEngine(t, clk, PolicyAll, store, &recordingSink{}, highTemperature())
	zero := 0.0

	fired := engine.Evaluate(context.Background(), temperatureReading(40, clk.Now()), &zero, nil)
	id := fired[0].AlertID

	clk.Advance(time.Minute)
	acked, err := engine.Acknowledge(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acked.Acknowledged || !acked.AcknowledgedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("Unexpected ack state %+v", acked)
	}

	if _, err := engine.Acknowledge(context.Background(), id); !errors.Is(err, repository.ErrAlreadyAcknowledged) {
		t.Errorf("Expected ErrAlreadyAcknowledged, got %v", err)
	}
	if _, err := engine.Acknowledge(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCompileRules_Validation(t *testing.T) {
	cases := map[string][]RuleSpec{
		"duplicate":         {highTemperature(), highTemperature()},
		"negative cooldown": {{Name: "r", Condition: "value > 1", Severity: "info", Cooldown: -time.Second}},
		"bad severity":      {{Name: "r", Condition: "value > 1", Severity: "panic"}},
		"bad condition":     {{Name: "r", Condition: "os.system('x')", Severity: "info"}},
		"empty condition":   {{Name: "r", Severity: "info"}},
	}
	for name, specs := range cases {
		if _, err := CompileRules(specs); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRenderMessage_DefaultTemplate(t *testing.T) {
	msg := RenderMessage("", "high_temperature", temperatureReading(40, t0), nil)
	if !strings.Contains(msg, "high_temperature") || !strings.Contains(msg, "d1") {
		t.Errorf("Unexpected message %q", msg)
	}
}

func TestRenderMessage_NilChangeRate(t *testing.T) {
	msg := RenderMessage("rate {change_rate}", "r", temperatureReading(40, t0), nil)
	if msg != "rate 0" {
		t.Errorf("Unexpected message %q", msg)
	}
}
