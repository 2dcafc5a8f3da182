package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/db"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyAcknowledged is returned when an alert was acknowledged before
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")
)

// PersistenceError wraps a store failure with the operation that caused it
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// AlertFilter selects stored alerts. Zero fields do not filter; a zero
// Limit returns every match.
type AlertFilter struct {
	DeviceID string
	Severity db.Severity
	Since    time.Time
	Limit    int
}

// Store is the durable storage used by the worker
type Store interface {
	InsertReading(ctx context.Context, reading *db.Reading) (string, error)
	FindLatest(ctx context.Context, deviceID string) (*db.Reading, error)
	FindLatestBySensor(ctx context.Context, deviceID, sensorType string) (*db.Reading, error)
	CountSince(ctx context.Context, deviceID string, cutoff time.Time) (int64, error)
	DeviceStats(ctx context.Context, deviceID string, cutoff time.Time) (*db.DeviceStats, error)

	InsertAlert(ctx context.Context, event *db.AlertEvent) error
	FindAlert(ctx context.Context, alertID string) (*db.AlertEvent, error)
	AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error
	// ListAlerts returns matching alerts, newest first
	ListAlerts(ctx context.Context, filter AlertFilter) ([]db.AlertEvent, error)
	// CountAlerts counts matching alerts per severity, ignoring Limit
	CountAlerts(ctx context.Context, filter AlertFilter) (map[db.Severity]int64, error)

	UpsertDeviceState(ctx context.Context, state db.DeviceState) error
	ListDeviceStates(ctx context.Context) ([]db.DeviceState, error)
}
