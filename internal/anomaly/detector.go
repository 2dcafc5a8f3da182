package anomaly

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/db"
)

// minElapsed is the floor applied to the interval between two readings
const minElapsed = time.Second

// Limits holds the per sensor kind thresholds. Nil fields are not checked.
type Limits struct {
	Min           *float64
	Max           *float64
	RateThreshold *float64
}

// Result is the outcome of analysing one reading
type Result struct {
	// ChangeRate is |Δvalue| per hour against the previous reading of the same pair
	ChangeRate float64
	// First is true when no previous reading was known for the pair
	First     bool
	Anomalies []string
}

type cacheKey struct {
	deviceID   string
	sensorType string
}

type observation struct {
	value float64
	at    time.Time
}

// Detector computes change rates and range anomalies for sensor readings
type Detector struct {
	limits map[string]Limits

	mu    sync.Mutex
	cache map[cacheKey]observation
}

// NewDetector creates a new anomaly detector with per sensor kind limits.
// Sensor kinds are matched case-insensitively.
func NewDetector(limits map[string]Limits) *Detector {
	normalized := make(map[string]Limits, len(limits))
	for sensor, l := range limits {
		normalized[strings.ToLower(sensor)] = l
	}
	return &Detector{
		limits: normalized,
		cache:  make(map[cacheKey]observation),
	}
}

// Known reports whether the detector holds a previous observation for the pair
func (d *Detector) Known(deviceID, sensorType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.cache[cacheKey{deviceID, sensorType}]
	return ok
}

// Prime seeds the cache with a persisted reading. An existing entry is kept.
func (d *Detector) Prime(deviceID, sensorType string, value float64, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := cacheKey{deviceID, sensorType}
	if _, ok := d.cache[key]; ok {
		return
	}
	d.cache[key] = observation{value: value, at: at}
}

// Detect computes the change rate against the previous reading of the same
// device and sensor kind, checks static limits and records the reading.
func (d *Detector) Detect(reading *db.Reading) Result {
	key := cacheKey{reading.DeviceID, reading.SensorType}

	d.mu.Lock()
	prev, ok := d.cache[key]
	d.cache[key] = observation{value: reading.Value, at: reading.Timestamp}
	d.mu.Unlock()

	result := Result{First: !ok}
	if ok {
		result.ChangeRate = ChangeRate(prev.value, prev.at, reading.Value, reading.Timestamp)
	}

	limits := d.limits[strings.ToLower(reading.SensorType)]
	if limits.Min != nil && reading.Value < *limits.Min {
		result.Anomalies = append(result.Anomalies,
			fmt.Sprintf("value %.2f below minimum %.2f", reading.Value, *limits.Min))
	}
	if limits.Max != nil && reading.Value > *limits.Max {
		result.Anomalies = append(result.Anomalies,
			fmt.Sprintf("value %.2f above maximum %.2f", reading.Value, *limits.Max))
	}
	if ok && limits.RateThreshold != nil && result.ChangeRate > *limits.RateThreshold {
		result.Anomalies = append(result.Anomalies,
			fmt.Sprintf("change rate %.2f/h exceeds threshold %.2f/h", result.ChangeRate, *limits.RateThreshold))
	}

	return result
}

// ChangeRate returns |Δvalue| per hour. A non-positive interval (duplicate or
// out-of-order timestamp) yields 0; shorter intervals are floored at one second.
func ChangeRate(prevValue float64, prevAt time.Time, value float64, at time.Time) float64 {
	elapsed := at.Sub(prevAt)
	if elapsed <= 0 {
		return 0
	}
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	return math.Abs(value-prevValue) / elapsed.Hours()
}
