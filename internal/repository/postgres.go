package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/telemetry-health-worker/internal/db"
)

// PostgresStore handles database operations against PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InsertReading inserts a sensor reading and returns its id
func (r *PostgresStore) InsertReading(ctx context.Context, reading *db.Reading) (string, error) {
	query := `
		INSERT INTO sensor_readings (
			device_id, device_type, sensor_type, value, unit,
			location, timestamp, received_at, source_topic
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	var id int64
	err := r.pool.QueryRow(ctx, query,
		reading.DeviceID,
		reading.DeviceType,
		reading.SensorType,
		reading.Value,
		reading.Unit,
		reading.Location,
		reading.Timestamp,
		reading.ReceivedAt,
		reading.SourceTopic,
	).Scan(&id)

	if err != nil {
		return "", fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	return strconv.FormatInt(id, 10), nil
}

// FindLatest returns the newest reading of a device
func (r *PostgresStore) FindLatest(ctx context.Context, deviceID string) (*db.Reading, error) {
	query := `
		SELECT id, device_id, device_type, sensor_type, value, unit,
			location, timestamp, received_at, source_topic
		FROM sensor_readings
		WHERE device_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return r.scanReading(r.pool.QueryRow(ctx, query, deviceID))
}

// FindLatestBySensor returns the newest reading of a device for one sensor kind
func (r *PostgresStore) FindLatestBySensor(ctx context.Context, deviceID, sensorType string) (*db.Reading, error) {
	query := `
		SELECT id, device_id, device_type, sensor_type, value, unit,
			location, timestamp, received_at, source_topic
		FROM sensor_readings
		WHERE device_id = $1 AND sensor_type = $2
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return r.scanReading(r.pool.QueryRow(ctx, query, deviceID, sensorType))
}

func (r *PostgresStore) scanReading(row pgx.Row) (*db.Reading, error) {
	var reading db.Reading
	var id int64
	err := row.Scan(
		&id,
		&reading.DeviceID,
		&reading.DeviceType,
		&reading.SensorType,
		&reading.Value,
		&reading.Unit,
		&reading.Location,
		&reading.Timestamp,
		&reading.ReceivedAt,
		&reading.SourceTopic,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}
	reading.ID = strconv.FormatInt(id, 10)
	return &reading, nil
}

// CountSince counts readings of a device since cutoff
func (r *PostgresStore) CountSince(ctx context.Context, deviceID string, cutoff time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM sensor_readings
		WHERE device_id = $1 AND timestamp >= $2
	`

	var n int64
	if err := r.pool.QueryRow(ctx, query, deviceID, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// DeviceStats aggregates count, average, min and max of a device's readings since cutoff
func (r *PostgresStore) DeviceStats(ctx context.Context, deviceID string, cutoff time.Time) (*db.DeviceStats, error) {
	query := `
		SELECT COUNT(*), AVG(value), MIN(value), MAX(value)
		FROM sensor_readings
		WHERE device_id = $1 AND timestamp >= $2
	`

	stats := db.DeviceStats{DeviceID: deviceID}
	err := r.pool.QueryRow(ctx, query, deviceID, cutoff).Scan(
		&stats.Count,
		&stats.Avg,
		&stats.Min,
		&stats.Max,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate readings: %w", err)
	}
	return &stats, nil
}

// InsertAlert inserts an alert event
func (r *PostgresStore) InsertAlert(ctx context.Context, event *db.AlertEvent) error {
	query := `
		INSERT INTO alerts (
			alert_id, device_id, rule_name, severity, sensor_type, value,
			change_rate, message, anomalies, triggered_at, reading_timestamp,
			acknowledged, acknowledged_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.pool.Exec(ctx, query,
		event.AlertID,
		event.DeviceID,
		event.RuleName,
		string(event.Severity),
		event.SensorType,
		event.Value,
		event.ChangeRate,
		event.Message,
		event.Anomalies,
		event.TriggeredAt,
		event.ReadingTimestamp,
		event.Acknowledged,
		event.AcknowledgedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

const alertColumns = `
	alert_id, device_id, rule_name, severity, sensor_type, value,
	change_rate, message, anomalies, triggered_at, reading_timestamp,
	acknowledged, acknowledged_at
`

func scanAlert(row pgx.Row) (*db.AlertEvent, error) {
	var event db.AlertEvent
	var severity string
	err := row.Scan(
		&event.AlertID,
		&event.DeviceID,
		&event.RuleName,
		&severity,
		&event.SensorType,
		&event.Value,
		&event.ChangeRate,
		&event.Message,
		&event.Anomalies,
		&event.TriggeredAt,
		&event.ReadingTimestamp,
		&event.Acknowledged,
		&event.AcknowledgedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Severity = db.Severity(severity)
	return &event, nil
}

// FindAlert returns an alert by id
func (r *PostgresStore) FindAlert(ctx context.Context, alertID string) (*db.AlertEvent, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE alert_id = $1`

	event, err := scanAlert(r.pool.QueryRow(ctx, query, alertID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert: %w", err)
	}
	return event, nil
}

// alertWhere builds the WHERE clause of an alert filter and its arguments
func alertWhere(filter AlertFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.DeviceID != "" {
		args = append(args, filter.DeviceID)
		conds = append(conds, "device_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		conds = append(conds, "severity = $"+strconv.Itoa(len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, "triggered_at >= $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListAlerts returns matching alerts, newest first
func (r *PostgresStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]db.AlertEvent, error) {
	where, args := alertWhere(filter)
	query := `SELECT ` + alertColumns + ` FROM alerts` + where + ` ORDER BY triggered_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]db.AlertEvent, 0)
	for rows.Next() {
		event, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return alerts, nil
}

// CountAlerts counts matching alerts per severity
func (r *PostgresStore) CountAlerts(ctx context.Context, filter AlertFilter) (map[db.Severity]int64, error) {
	where, args := alertWhere(filter)
	query := `SELECT severity, COUNT(*) FROM alerts` + where + ` GROUP BY severity`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[db.Severity]int64)
	for rows.Next() {
		var severity string
		var n int64
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		counts[db.Severity(severity)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return counts, nil
}

// AcknowledgeAlert flips acknowledged from false to true within a transaction
func (r *PostgresStore) AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var acknowledged bool
	err = tx.QueryRow(ctx, `SELECT acknowledged FROM alerts WHERE alert_id = $1 FOR UPDATE`, alertID).Scan(&acknowledged)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query alert: %w", err)
	}
	if acknowledged {
		return ErrAlreadyAcknowledged
	}

	updateQuery := `
		UPDATE alerts
		SET acknowledged = TRUE, acknowledged_at = $1
		WHERE alert_id = $2
	`
	if _, err := tx.Exec(ctx, updateQuery, at, alertID); err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertDeviceState writes the liveness record of a device
func (r *PostgresStore) UpsertDeviceState(ctx context.Context, state db.DeviceState) error {
	query := `
		INSERT INTO devices (device_id, status, last_seen, last_checked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE
		SET status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			last_checked = EXCLUDED.last_checked
	`

	_, err := r.pool.Exec(ctx, query, state.DeviceID, string(state.Status), state.LastSeen, state.LastChecked)
	if err != nil {
		return fmt.Errorf("failed to upsert device state: %w", err)
	}
	return nil
}

// ListDeviceStates returns every persisted device state
func (r *PostgresStore) ListDeviceStates(ctx context.Context) ([]db.DeviceState, error) {
	query := `
		SELECT device_id, status, last_seen, last_checked
		FROM devices
		ORDER BY device_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query device states: %w", err)
	}
	defer rows.Close()

	var states []db.DeviceState
	for rows.Next() {
		var state db.DeviceState
		var status string
		if err := rows.Scan(&state.DeviceID, &status, &state.LastSeen, &state.LastChecked); err != nil {
			return nil, fmt.Errorf("failed to scan device state: %w", err)
		}
		state.Status = db.DeviceStatus(status)
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return states, nil
}
