package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SQL schemas for the PostgreSQL store

const (
	// SensorReadingsTableSQL creates the sensor_readings table
	SensorReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			device_type TEXT,
			sensor_type TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT,
			location TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			source_topic TEXT
		)
	`

	// SensorReadingsIndexSQL speeds up latest-reading lookups
	SensorReadingsIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_sensor_ts
		ON sensor_readings (device_id, sensor_type, timestamp DESC)
	`

	// AlertsTableSQL creates the alerts table
	AlertsTableSQL = `
		CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			severity TEXT NOT NULL,
			sensor_type TEXT,
			value DOUBLE PRECISION,
			change_rate DOUBLE PRECISION,
			message TEXT,
			anomalies TEXT[],
			triggered_at TIMESTAMPTZ NOT NULL,
			reading_timestamp TIMESTAMPTZ,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_at TIMESTAMPTZ
		)
	`

	// AlertsIndexSQL serves per device alert listings
	AlertsIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_alerts_device_triggered
		ON alerts (device_id, triggered_at DESC)
	`

	// DevicesTableSQL creates the devices table
	DevicesTableSQL = `
		CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_seen TIMESTAMPTZ,
			last_checked TIMESTAMPTZ NOT NULL
		)
	`
)

// EnsureSchema creates the tables used by the PostgreSQL store if they are missing
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		SensorReadingsTableSQL,
		SensorReadingsIndexSQL,
		AlertsTableSQL,
		AlertsIndexSQL,
		DevicesTableSQL,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("[DATABASE] failed to create schema: %w", err)
		}
	}
	return nil
}
