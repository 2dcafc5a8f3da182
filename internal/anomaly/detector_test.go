package anomaly_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/anomaly"
	"github.com/septivank/telemetry-health-worker/internal/db"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func temperatureLimits() map[string]anomaly.Limits {
	return map[string]anomaly.Limits{
		"temperature": {Min: f(15), Max: f(35), RateThreshold: f(5)},
	}
}

func reading(value float64, at time.Time) *db.Reading {
	return &db.Reading{DeviceID: "d1", SensorType: "temperature", Value: value, Timestamp: at}
}

func TestDetect_FirstReadingHasZeroRate(t *testing.T) {
	detector := anomaly.NewDetector(temperatureLimits())

	res := detector.Detect(reading(20, t0))

	if !res.First {
		t.Error("Expected first observation")
	}
	if res.ChangeRate != 0 {
		t.Errorf("Expected rate 0, got %v", res.ChangeRate)
	}
	if len(res.Anomalies) != 0 {
		t.Errorf("Expected no anomalies, got %v", res.Anomalies)
	}
}

func TestDetect_RatePerHour(t *testing.T) {
	detector := anomaly.NewDetector(temperatureLimits())

	detector.Detect(reading(20, t0))
	res := detector.Detect(reading(25, t0.Add(3600*time.Second)))

	if math.Abs(res.ChangeRate-5.0) > 1e-9 {
		t.Errorf("Expected rate 5.0, got %v", res.ChangeRate)
	}
	// 5.0 is not strictly above the threshold
	for _, a := range res.Anomalies {
		if strings.Contains(a, "change rate") {
			t.Errorf("Unexpected rate anomaly: %s", a)
		}
	}
}

func TestDetect_RateAboveThreshold(t *testing.T) {
	detector := anomaly.NewDetector(temperatureLimits())

	detector.Detect(reading(20, t0))
	res := detector.Detect(reading(30, t0.Add(time.Hour)))

	if len(res.Anomalies) != 1 || !strings.Contains(res.Anomalies[0], "change rate 10.00/h exceeds") {
		t.Errorf("Expected one rate anomaly, got %v", res.Anomalies)
	}
}

func TestDetect_SubSecondElapsedUsesFloor(t *testing.T) {
	detector := anomaly.NewDetector(nil)

	detector.Detect(reading(20, t0))
	res := detector.Detect(reading(21, t0.Add(time.Microsecond)))

	if math.Abs(res.ChangeRate-3600) > 1e-6 {
		t.Errorf("Expected rate 3600, got %v", res.ChangeRate)
	}
}

func TestDetect_SameTimestampYieldsZero(t *testing.T) {
	detector := anomaly.NewDetector(nil)

	detector.Detect(reading(20, t0))
	res := detector.Detect(reading(21, t0))

	if res.ChangeRate != 0 {
		t.Errorf("Expected rate 0, got %v", res.ChangeRate)
	}
}

func TestDetect_OutOfOrderYieldsZero(t *testing.T) {
	detector := anomaly.NewDetector(nil)

	detector.Detect(reading(20, t0))
	res := detector.Detect(reading(19, t0.Add(-time.Minute)))

	if res.ChangeRate != 0 {
		t.Errorf("Expected rate 0, got %v", res.ChangeRate)
	}
}

func TestDetect_OutOfBand(t *testing.T) {
	detector := anomaly.NewDetector(temperatureLimits())

	res := detector.Detect(reading(40, t0))
	if len(res.Anomalies) != 1 || !strings.Contains(res.Anomalies[0], "above maximum") {
		t.Errorf("Expected above maximum anomaly, got %v", res.Anomalies)
	}

	res = detector.Detect(&db.Reading{DeviceID: "d2", SensorType: "temperature", Value: 10, Timestamp: t0})
	if len(res.Anomalies) != 1 || !strings.Contains(res.Anomalies[0], "below minimum") {
		t.Errorf("Expected below minimum anomaly, got %v", res.Anomalies)
	}
}

func TestDetect_PairsAreIndependent(t *testing.T) {
	detector := anomaly.NewDetector(nil)

	detector.Detect(reading(20, t0))
	res := detector.Detect(&db.Reading{DeviceID: "d1", SensorType: "humidity", Value: 80, Timestamp: t0.Add(time.Hour)})

	if !res.First {
		t.Error("Expected humidity to be a first observation")
	}
}

func TestPrime_SeedsMissingPair(t *testing.T) {
	detector := anomaly.NewDetector(nil)

	if detector.Known("d1", "temperature") {
		t.Fatal("Expected empty cache")
	}
	detector.Prime("d1", "temperature", 20, t0)
	if !detector.Known("d1", "temperature") {
		t.Fatal("Expected primed pair")
	}

	res := detector.Detect(reading(25, t0.Add(time.Hour)))
	if res.First || math.Abs(res.ChangeRate-5) > 1e-9 {
		t.Errorf("Expected rate 5 from primed value, got %+v", res)
	}
}

func TestDetect_SensorKindIgnoresCase(t *testing.T) {
	detector := anomaly.NewDetector(map[string]anomaly.Limits{
		"co2": {Max: f(1000)},
	})

	res := detector.Detect(&db.Reading{DeviceID: "d1", SensorType: "CO2", Value: 1200, Timestamp: t0})

	if len(res.Anomalies) != 1 {
		t.Fatalf("Expected band to apply to CO2 readings, got %v", res.Anomalies)
	}
}
