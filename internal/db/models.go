package db

import (
	"time"
)

// DeviceStatus is the liveness state of a device
type DeviceStatus string

const (
	StatusNoData  DeviceStatus = "no_data"
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Reading represents one validated telemetry sample
type Reading struct {
	ID          string    `json:"id,omitempty" bson:"-"`
	DeviceID    string    `json:"device_id" bson:"device_id"`
	DeviceType  string    `json:"device_type,omitempty" bson:"device_type,omitempty"`
	SensorType  string    `json:"sensor_type" bson:"sensor_type"`
	Value       float64   `json:"value" bson:"value"`
	Unit        string    `json:"unit,omitempty" bson:"unit,omitempty"`
	Location    string    `json:"location,omitempty" bson:"location,omitempty"`
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
	ReceivedAt  time.Time `json:"received_at" bson:"received_at"`
	SourceTopic string    `json:"source_topic,omitempty" bson:"source_topic,omitempty"`
}

// AlertEvent represents a triggered alert instance
type AlertEvent struct {
	AlertID          string     `json:"alert_id" bson:"alert_id"`
	DeviceID         string     `json:"device_id" bson:"device_id"`
	RuleName         string     `json:"rule_name" bson:"rule_name"`
	Severity         Severity   `json:"severity" bson:"severity"`
	SensorType       string     `json:"sensor_type" bson:"sensor_type"`
	Value            float64    `json:"value" bson:"value"`
	ChangeRate       *float64   `json:"change_rate" bson:"change_rate"`
	Message          string     `json:"message,omitempty" bson:"message,omitempty"`
	Anomalies        []string   `json:"anomalies,omitempty" bson:"anomalies,omitempty"`
	TriggeredAt      time.Time  `json:"triggered_at" bson:"triggered_at"`
	ReadingTimestamp time.Time  `json:"reading_timestamp" bson:"reading_timestamp"`
	Acknowledged     bool       `json:"acknowledged" bson:"acknowledged"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty" bson:"acknowledged_at,omitempty"`
}

// DeviceState represents the persisted liveness record of a device
type DeviceState struct {
	DeviceID    string       `json:"device_id" bson:"device_id"`
	Status      DeviceStatus `json:"status" bson:"status"`
	LastSeen    *time.Time   `json:"last_seen" bson:"last_seen"`
	LastChecked time.Time    `json:"last_checked" bson:"last_checked"`
}

// DeviceStats is the aggregate of a device's readings over a window
type DeviceStats struct {
	DeviceID string   `json:"device_id" bson:"_id"`
	Count    int64    `json:"total_readings" bson:"count"`
	Avg      *float64 `json:"average_value" bson:"avg"`
	Min      *float64 `json:"min_value" bson:"min"`
	Max      *float64 `json:"max_value" bson:"max"`
}
