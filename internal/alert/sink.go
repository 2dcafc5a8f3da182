package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/internal/mqtt"
	"go.uber.org/zap"
)

// Sink delivers a triggered alert somewhere outside the worker
type Sink interface {
	Name() string
	Send(ctx context.Context, event *db.AlertEvent) error
}

// NotificationError reports a failed delivery to one sink
type NotificationError struct {
	Sink string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification via %s failed: %v", e.Sink, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// LogSink writes alerts to the structured log
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

// Send logs the alert at a level matching its severity
func (s *LogSink) Send(ctx context.Context, event *db.AlertEvent) error {
	fields := []zap.Field{
		zap.String("alert_id", event.AlertID),
		zap.String("device_id", event.DeviceID),
		zap.String("rule_name", event.RuleName),
		zap.String("severity", string(event.Severity)),
		zap.String("message", event.Message),
	}
	if event.SensorType != "" {
		fields = append(fields, zap.String("sensor_type", event.SensorType), zap.Float64("value", event.Value))
	}
	if event.ChangeRate != nil {
		fields = append(fields, zap.Float64("change_rate", *event.ChangeRate))
	}

	switch event.Severity {
	case db.SeverityCritical:
		s.logger.Error("ALERT", fields...)
	case db.SeverityWarning:
		s.logger.Warn("ALERT", fields...)
	default:
		s.logger.Info("ALERT", fields...)
	}
	return nil
}

// MQTTPublisher is the part of the MQTT client used by MQTTSink
type MQTTPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTSink publishes alerts as JSON to a per-device topic
type MQTTSink struct {
	client       MQTTPublisher
	topicPattern string
}

// NewMQTTSink creates a sink publishing to topicPattern, e.g. "alerts/{device_id}"
func NewMQTTSink(client MQTTPublisher, topicPattern string) *MQTTSink {
	return &MQTTSink{client: client, topicPattern: topicPattern}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Send publishes the alert
func (s *MQTTSink) Send(ctx context.Context, event *db.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	topic := mqtt.FormatTopic(s.topicPattern, event.DeviceID)
	return s.client.Publish(ctx, topic, payload)
}

// AMQPPublisher is the part of the RabbitMQ publisher used by AMQPSink
type AMQPPublisher interface {
	Publish(ctx context.Context, routingKey string, v interface{}) error
}

// AMQPSink publishes alerts to a topic exchange with routing key alert.<severity>
type AMQPSink struct {
	publisher AMQPPublisher
}

// NewAMQPSink creates a new AMQP sink
func NewAMQPSink(publisher AMQPPublisher) *AMQPSink {
	return &AMQPSink{publisher: publisher}
}

func (s *AMQPSink) Name() string { return "amqp" }

// Send publishes the alert
func (s *AMQPSink) Send(ctx context.Context, event *db.AlertEvent) error {
	return s.publisher.Publish(ctx, "alert."+string(event.Severity), event)
}
