package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/telemetry-health-worker/internal/db"
)

// MemoryStore keeps everything in process memory. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []db.Reading
	alerts   map[string]*db.AlertEvent
	devices  map[string]db.DeviceState

	// FailInserts makes InsertReading fail, for exercising the error path
	FailInserts error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:  make(map[string]*db.AlertEvent),
		devices: make(map[string]db.DeviceState),
	}
}

// InsertReading appends a reading and returns its generated id
func (s *MemoryStore) InsertReading(ctx context.Context, reading *db.Reading) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailInserts != nil {
		return "", s.FailInserts
	}

	r := *reading
	r.ID = uuid.New().String()
	s.readings = append(s.readings, r)
	return r.ID, nil
}

// Readings returns a copy of every stored reading in insertion order
func (s *MemoryStore) Readings() []db.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]db.Reading, len(s.readings))
	copy(out, s.readings)
	return out
}

// FindLatest returns the newest reading of a device by timestamp
func (s *MemoryStore) FindLatest(ctx context.Context, deviceID string) (*db.Reading, error) {
	return s.latest(func(r *db.Reading) bool { return r.DeviceID == deviceID })
}

// FindLatestBySensor returns the newest reading of a device for one sensor kind
func (s *MemoryStore) FindLatestBySensor(ctx context.Context, deviceID, sensorType string) (*db.Reading, error) {
	return s.latest(func(r *db.Reading) bool {
		return r.DeviceID == deviceID && r.SensorType == sensorType
	})
}

func (s *MemoryStore) latest(match func(*db.Reading) bool) (*db.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *db.Reading
	for i := range s.readings {
		r := &s.readings[i]
		if !match(r) {
			continue
		}
		if found == nil || !r.Timestamp.Before(found.Timestamp) {
			found = r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := *found
	return &out, nil
}

// CountSince counts readings of a device with timestamp at or after cutoff
func (s *MemoryStore) CountSince(ctx context.Context, deviceID string, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.readings {
		if r.DeviceID == deviceID && !r.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// DeviceStats aggregates a device's readings with timestamp at or after cutoff
func (s *MemoryStore) DeviceStats(ctx context.Context, deviceID string, cutoff time.Time) (*db.DeviceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &db.DeviceStats{DeviceID: deviceID}
	var sum, lo, hi float64
	for _, r := range s.readings {
		if r.DeviceID != deviceID || r.Timestamp.Before(cutoff) {
			continue
		}
		if stats.Count == 0 || r.Value < lo {
			lo = r.Value
		}
		if stats.Count == 0 || r.Value > hi {
			hi = r.Value
		}
		sum += r.Value
		stats.Count++
	}
	if stats.Count > 0 {
		avg := sum / float64(stats.Count)
		stats.Avg, stats.Min, stats.Max = &avg, &lo, &hi
	}
	return stats, nil
}

// InsertAlert stores an alert event
func (s *MemoryStore) InsertAlert(ctx context.Context, event *db.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	s.alerts[e.AlertID] = &e
	return nil
}

// Alerts returns every stored alert ordered by trigger time
func (s *MemoryStore) Alerts() []db.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]db.AlertEvent, 0, len(s.alerts))
	for _, e := range s.alerts {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

// FindAlert returns an alert by id
func (s *MemoryStore) FindAlert(ctx context.Context, alertID string) (*db.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.alerts[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

// AcknowledgeAlert marks an alert acknowledged exactly once
func (s *MemoryStore) AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	if e.Acknowledged {
		return ErrAlreadyAcknowledged
	}
	e.Acknowledged = true
	e.AcknowledgedAt = &at
	return nil
}

// ListAlerts returns matching alerts, newest first
func (s *MemoryStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]db.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]db.AlertEvent, 0)
	for _, e := range s.alerts {
		if filter.matches(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountAlerts counts matching alerts per severity
func (s *MemoryStore) CountAlerts(ctx context.Context, filter AlertFilter) (map[db.Severity]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[db.Severity]int64)
	for _, e := range s.alerts {
		if filter.matches(e) {
			counts[e.Severity]++
		}
	}
	return counts, nil
}

func (f AlertFilter) matches(e *db.AlertEvent) bool {
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	return f.Since.IsZero() || !e.TriggeredAt.Before(f.Since)
}

// UpsertDeviceState stores the liveness record of a device
func (s *MemoryStore) UpsertDeviceState(ctx context.Context, state db.DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices[state.DeviceID] = state
	return nil
}

// ListDeviceStates returns every stored device state ordered by device id
func (s *MemoryStore) ListDeviceStates(ctx context.Context) ([]db.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]db.DeviceState, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}
