package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	HTTPPort    int
	Transport   string
	MQTT        MQTTConfig
	RabbitMQ    RabbitMQConfig
	Store       StoreConfig
	Mongo       MongoConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Heartbeat   HeartbeatConfig
	Alert       AlertConfig
	Ingest      IngestConfig
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Broker     string
	ClientID   string
	Username   string
	Password   string
	Topic      string
	AlertTopic string
	QoS        int
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	AlertExchange    string
	DLQQueue         string
	PrefetchCount    int
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver       string
	WriteTimeout time.Duration
}

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI      string
	Database string
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// HeartbeatConfig holds device liveness settings
type HeartbeatConfig struct {
	OfflineThreshold time.Duration
	SweepInterval    time.Duration
	Devices          []string
}

// AlertConfig holds alerting settings
type AlertConfig struct {
	RulesFile       string
	Policy          string
	CooldownBackend string
	NotifyTimeout   time.Duration
	NotifyMQTT      bool
	NotifyAMQP      bool
}

// IngestConfig holds inbox settings
type IngestConfig struct {
	BufferSize     int
	EnqueueTimeout time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "telemetry-health-worker"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		HTTPPort:    getEnvAsInt("HTTP_PORT", 8081),
		Transport:   strings.ToLower(getEnv("TRANSPORT", "mqtt")),
		MQTT: MQTTConfig{
			Broker:     getEnv("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID:   getEnv("MQTT_CLIENT_ID", "telemetry-health-worker"),
			Username:   getEnv("MQTT_USERNAME", ""),
			Password:   getEnv("MQTT_PASSWORD", ""),
			Topic:      getEnv("MQTT_TOPIC", "sensors/#"),
			AlertTopic: getEnv("MQTT_ALERT_TOPIC", "alerts/{device_id}"),
			QoS:        getEnvAsInt("MQTT_QOS", 1),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "telemetry.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "telemetry.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "sensors.#"),
			AlertExchange:    getEnv("RABBITMQ_ALERT_EXCHANGE", "telemetry.alerts.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "telemetry.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Store: StoreConfig{
			Driver:       strings.ToLower(getEnv("STORE_DRIVER", "mongo")),
			WriteTimeout: getEnvAsDuration("STORE_WRITE_TIMEOUT", 5*time.Second),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DATABASE", "iot_data"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Heartbeat: HeartbeatConfig{
			OfflineThreshold: getEnvAsDuration("HEARTBEAT_OFFLINE_THRESHOLD", 5*time.Minute),
			SweepInterval:    getEnvAsDuration("HEARTBEAT_SWEEP_INTERVAL", 30*time.Second),
			Devices:          getEnvAsSlice("HEARTBEAT_DEVICES", nil),
		},
		Alert: AlertConfig{
			RulesFile:       getEnv("ALERT_RULES_FILE", "config/rules.yaml"),
			Policy:          strings.ToLower(getEnv("ALERT_POLICY", "all")),
			CooldownBackend: strings.ToLower(getEnv("COOLDOWN_BACKEND", "memory")),
			NotifyTimeout:   getEnvAsDuration("NOTIFY_TIMEOUT", 2*time.Second),
			NotifyMQTT:      getEnvAsBool("NOTIFY_MQTT", true),
			NotifyAMQP:      getEnvAsBool("NOTIFY_AMQP", false),
		},
		Ingest: IngestConfig{
			BufferSize:     getEnvAsInt("INGEST_BUFFER_SIZE", 1024),
			EnqueueTimeout: getEnvAsDuration("INGEST_ENQUEUE_TIMEOUT", time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and enumerations
func (c *Config) Validate() error {
	switch c.Transport {
	case "mqtt":
		if c.MQTT.Broker == "" {
			return fmt.Errorf("MQTT_BROKER is required when TRANSPORT=mqtt")
		}
	case "amqp":
		if c.RabbitMQ.URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
		}
	default:
		return fmt.Errorf("TRANSPORT must be mqtt or amqp, got %q", c.Transport)
	}

	switch c.Store.Driver {
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be mongo, postgres or memory, got %q", c.Store.Driver)
	}

	switch c.Alert.CooldownBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("COOLDOWN_BACKEND must be memory or redis, got %q", c.Alert.CooldownBackend)
	}

	if c.Alert.NotifyAMQP && c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required when NOTIFY_AMQP is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Heartbeat.OfflineThreshold <= 0 || c.Heartbeat.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat threshold and sweep interval must be positive")
	}

	return nil
}

// UsesMQTT reports whether any component needs an MQTT connection
func (c *Config) UsesMQTT() bool {
	return c.Transport == "mqtt" || c.Alert.NotifyMQTT
}

// UsesRabbitMQ reports whether any component needs a RabbitMQ connection
func (c *Config) UsesRabbitMQ() bool {
	return c.Transport == "amqp" || c.Alert.NotifyAMQP
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseDuration parses a Go duration string or a number of seconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
