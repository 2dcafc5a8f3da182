package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestWriter_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, clock.NewFake(baseTime), time.Second)

	in := &db.Reading{
		DeviceID:   "d1",
		DeviceType: "esp32",
		SensorType: "temperature",
		Value:      21.25,
		Unit:       "C",
		Location:   "greenhouse",
		Timestamp:  baseTime.Add(-time.Second),
	}

	id, err := w.Write(context.Background(), in, "sensors/d1/temperature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	got, err := store.FindLatest(context.Background(), "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != id {
		t.Errorf("expected id %s, got %s", id, got.ID)
	}
	if got.Value != in.Value || got.Unit != in.Unit || got.Location != in.Location || got.DeviceType != in.DeviceType {
		t.Errorf("stored reading differs: %+v", got)
	}
	if !got.Timestamp.Equal(in.Timestamp) {
		t.Errorf("expected timestamp %v, got %v", in.Timestamp, got.Timestamp)
	}
	if !got.ReceivedAt.Equal(baseTime) {
		t.Errorf("expected received_at %v, got %v", baseTime, got.ReceivedAt)
	}
	if got.SourceTopic != "sensors/d1/temperature" {
		t.Errorf("unexpected source topic %s", got.SourceTopic)
	}
}

func TestWriter_TruncatesToMilliseconds(t *testing.T) {
	store := NewMemoryStore()
	received := baseTime.Add(123456789 * time.Nanosecond).In(time.FixedZone("CET", 3600))
	w := NewWriter(store, clock.NewFake(received), time.Second)

	in := &db.Reading{DeviceID: "d1", SensorType: "temperature", Value: 20, Timestamp: baseTime.Add(987654321 * time.Nanosecond)}
	if _, err := w.Write(context.Background(), in, "sensors/d1/temperature"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.Readings()[0]
	if got.Timestamp != baseTime.Add(987*time.Millisecond) {
		t.Errorf("expected millisecond timestamp, got %v", got.Timestamp)
	}
	if got.ReceivedAt != baseTime.Add(123*time.Millisecond) {
		t.Errorf("expected UTC millisecond received_at, got %v", got.ReceivedAt)
	}
	if in.Timestamp != got.Timestamp {
		t.Errorf("caller's reading not normalized: %v", in.Timestamp)
	}
}

func TestWriter_KeepsExistingReceivedAt(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, clock.NewFake(baseTime), time.Second)

	earlier := baseTime.Add(-time.Minute)
	r := &db.Reading{DeviceID: "d1", SensorType: "humidity", Value: 50, Timestamp: earlier, ReceivedAt: earlier}
	if _, err := w.Write(context.Background(), r, "sensors/d1/humidity"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.Readings()[0].ReceivedAt.Equal(earlier) {
		t.Errorf("received_at was overwritten")
	}
}

func TestWriter_StoreFailure(t *testing.T) {
	store := NewMemoryStore()
	store.FailInserts = errors.New("connection refused")
	w := NewWriter(store, clock.NewFake(baseTime), time.Second)

	_, err := w.Write(context.Background(), &db.Reading{DeviceID: "d1", SensorType: "t", Timestamp: baseTime}, "x")

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if len(store.Readings()) != 0 {
		t.Error("reading should have been dropped")
	}
}

func TestMemoryStore_FindLatestBySensor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.InsertReading(ctx, &db.Reading{DeviceID: "d1", SensorType: "temperature", Value: 20, Timestamp: baseTime})
	store.InsertReading(ctx, &db.Reading{DeviceID: "d1", SensorType: "temperature", Value: 25, Timestamp: baseTime.Add(time.Hour)})
	store.InsertReading(ctx, &db.Reading{DeviceID: "d1", SensorType: "humidity", Value: 60, Timestamp: baseTime.Add(2 * time.Hour)})

	got, err := store.FindLatestBySensor(ctx, "d1", "temperature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Value != 25 {
		t.Errorf("expected 25, got %v", got.Value)
	}

	if _, err := store.FindLatestBySensor(ctx, "d2", "temperature"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CountSinceAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, v := range []float64{10, 20, 30} {
		store.InsertReading(ctx, &db.Reading{DeviceID: "d1", SensorType: "t", Value: v, Timestamp: baseTime.Add(time.Duration(i) * time.Minute)})
	}

	n, _ := store.CountSince(ctx, "d1", baseTime.Add(time.Minute))
	if n != 2 {
		t.Errorf("expected 2 readings, got %d", n)
	}

	stats, err := store.DeviceStats(ctx, "d1", baseTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Count != 3 || *stats.Avg != 20 || *stats.Min != 10 || *stats.Max != 30 {
		t.Errorf("unexpected stats %+v", stats)
	}

	empty, _ := store.DeviceStats(ctx, "ghost", baseTime)
	if empty.Count != 0 || empty.Avg != nil {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}

func TestMemoryStore_AcknowledgeOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.InsertAlert(ctx, &db.AlertEvent{AlertID: "a1", DeviceID: "d1", RuleName: "r", Severity: db.SeverityWarning, TriggeredAt: baseTime})

	if err := store.AcknowledgeAlert(ctx, "a1", baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.AcknowledgeAlert(ctx, "a1", baseTime.Add(2*time.Minute)); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("expected ErrAlreadyAcknowledged, got %v", err)
	}
	if err := store.AcknowledgeAlert(ctx, "missing", baseTime); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, _ := store.FindAlert(ctx, "a1")
	if !got.Acknowledged || !got.AcknowledgedAt.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("unexpected acknowledgement state %+v", got)
	}
}

func TestMemoryStore_DeviceStates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seen := baseTime
	store.UpsertDeviceState(ctx, db.DeviceState{DeviceID: "d2", Status: db.StatusOnline, LastSeen: &seen, LastChecked: baseTime})
	store.UpsertDeviceState(ctx, db.DeviceState{DeviceID: "d1", Status: db.StatusNoData, LastChecked: baseTime})
	store.UpsertDeviceState(ctx, db.DeviceState{DeviceID: "d2", Status: db.StatusOffline, LastSeen: &seen, LastChecked: baseTime.Add(time.Hour)})

	states, _ := store.ListDeviceStates(ctx)
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if states[0].DeviceID != "d1" || states[1].Status != db.StatusOffline {
		t.Errorf("unexpected states %+v", states)
	}
}

func TestMemoryStore_ListAndCountAlerts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i, e := range []db.AlertEvent{
		{AlertID: "old", DeviceID: "d1", Severity: db.SeverityWarning, TriggeredAt: baseTime.Add(-2 * time.Hour)},
		{AlertID: "mid", DeviceID: "d1", Severity: db.SeverityCritical, TriggeredAt: baseTime.Add(-time.Minute)},
		{AlertID: "new", DeviceID: "d1", Severity: db.SeverityCritical, TriggeredAt: baseTime},
		{AlertID: "other", DeviceID: "d2", Severity: db.SeverityCritical, TriggeredAt: baseTime},
	} {
		if err := store.InsertAlert(ctx, &e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	alerts, err := store.ListAlerts(ctx, AlertFilter{DeviceID: "d1", Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 2 || alerts[0].AlertID != "new" || alerts[1].AlertID != "mid" {
		t.Errorf("expected [new mid], got %+v", alerts)
	}

	recent, _ := store.ListAlerts(ctx, AlertFilter{DeviceID: "d1", Since: baseTime.Add(-time.Hour)})
	if len(recent) != 2 {
		t.Errorf("expected 2 alerts in the last hour, got %d", len(recent))
	}

	counts, err := store.CountAlerts(ctx, AlertFilter{DeviceID: "d1", Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[db.SeverityCritical] != 2 || counts[db.SeverityWarning] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}

	critical, _ := store.ListAlerts(ctx, AlertFilter{Severity: db.SeverityCritical})
	if len(critical) != 3 {
		t.Errorf("expected 3 critical alerts, got %d", len(critical))
	}
}
