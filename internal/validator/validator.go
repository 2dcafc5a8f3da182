package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/tools/timeparser"
	"github.com/shopspring/decimal"
)

// valuePrecision is the number of decimals kept on reading values
const valuePrecision = 2

// Validate checks an inbound sensor message against the field contract and
// returns the normalized reading. It has no side effects.
func Validate(body []byte, receivedAt time.Time) (*db.Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedMessage)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedMessage)
	}

	deviceID, err := requiredString(raw, "device_id")
	if err != nil {
		return nil, err
	}
	sensorType, err := requiredString(raw, "sensor_type")
	if err != nil {
		return nil, err
	}

	rawValue, ok := raw["value"]
	if !ok || rawValue == nil {
		return nil, &MissingFieldError{Field: "value"}
	}
	num, ok := rawValue.(json.Number)
	if !ok {
		return nil, &InvalidTypeError{Field: "value"}
	}
	value, err := decimal.NewFromString(num.String())
	if err != nil {
		return nil, &InvalidTypeError{Field: "value"}
	}
	rounded, _ := value.Round(valuePrecision).Float64()
	if math.IsInf(rounded, 0) || math.IsNaN(rounded) {
		return nil, &InvalidTypeError{Field: "value"}
	}

	reading := &db.Reading{
		DeviceID:   deviceID,
		SensorType: sensorType,
		Value:      rounded,
		ReceivedAt: receivedAt,
	}

	optional := []struct {
		field string
		dst   *string
	}{
		{"device_type", &reading.DeviceType},
		{"unit", &reading.Unit},
		{"location", &reading.Location},
	}
	for _, o := range optional {
		s, err := optionalString(raw, o.field)
		if err != nil {
			return nil, err
		}
		*o.dst = s
	}

	ts, err := parseTimestamp(raw["timestamp"], receivedAt)
	if err != nil {
		return nil, err
	}
	reading.Timestamp = ts

	return reading, nil
}

func requiredString(raw map[string]interface{}, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", &MissingFieldError{Field: field}
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidTypeError{Field: field}
	}
	if s == "" {
		return "", &MissingFieldError{Field: field}
	}
	return s, nil
}

func optionalString(raw map[string]interface{}, field string) (string, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidTypeError{Field: field}
	}
	return s, nil
}

// parseTimestamp accepts epoch seconds, epoch milliseconds or an ISO-8601
// string. Absent or unparseable values fall back to the receipt time.
func parseTimestamp(v interface{}, receivedAt time.Time) (time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return receivedAt, nil
	case json.Number:
		f, err := ts.Float64()
		if err != nil {
			return receivedAt, nil
		}
		t, err := timeparser.FromEpoch(f)
		if err != nil {
			return receivedAt, nil
		}
		return t, nil
	case string:
		t, err := timeparser.ParseSensorTimestamp(ts)
		if err != nil {
			return receivedAt, nil
		}
		return t, nil
	default:
		return time.Time{}, &InvalidTypeError{Field: "timestamp"}
	}
}
