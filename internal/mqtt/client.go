package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler receives the topic and payload of an inbound message
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Client wraps a paho MQTT client
type Client struct {
	client paho.Client
	qos    byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// NewClient creates a new MQTT client and ties its connection to the fx lifecycle
func NewClient(lc fx.Lifecycle, logger *zap.Logger, cfg ClientConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("[MQTT] broker address is required")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	c := &Client{
		qos:    cfg.QoS,
		logger: logger,
		subs:   make(map[string]paho.MessageHandler),
	}

	// a clean session drops subscriptions, so they are restored on every reconnect
	opts.SetOnConnectHandler(func(pc paho.Client) {
		logger.Info("mqtt client connected", zap.String("broker", cfg.Broker))
		c.resubscribe(pc)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	c.client = paho.NewClient(opts)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to mqtt broker...", zap.String("broker", cfg.Broker))
			token := c.client.Connect()
			if !token.WaitTimeout(10*time.Second) {
				return fmt.Errorf("[MQTT CONNECTION FAILED] timed out connecting to %s", cfg.Broker)
			}
			if err := token.Error(); err != nil {
				return fmt.Errorf("[MQTT CONNECTION FAILED] cannot connect to MQTT broker. Please check: 1) Broker is running, 2) MQTT_BROKER is correct, 3) Credentials are valid. Error: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Close()
			return nil
		},
	})

	return c, nil
}

// Subscribe registers handler for topic. Handler errors are logged.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	callback := func(_ paho.Client, msg paho.Message) {
		if err := handler(ctx, msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("mqtt message rejected",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}

	c.mu.Lock()
	c.subs[topic] = callback
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos, callback)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	c.logger.Info("subscribed to mqtt topic", zap.String("topic", topic))
	return nil
}

func (c *Client) resubscribe(pc paho.Client) {
	c.mu.Lock()
	subs := make(map[string]paho.MessageHandler, len(c.subs))
	for topic, callback := range c.subs {
		subs[topic] = callback
	}
	c.mu.Unlock()

	for topic, callback := range subs {
		token := pc.Subscribe(topic, c.qos, callback)
		if token.Wait() && token.Error() != nil {
			c.logger.Error("failed to restore mqtt subscription", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

// Publish sends payload to topic, waiting until ctx is done for the broker ack
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}

// Close disconnects from the broker
func (c *Client) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt client disconnected")
	}
}

// FormatTopic replaces the {device_id} placeholder of a topic pattern
func FormatTopic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}
