package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/septivank/telemetry-health-worker/internal/alert"
	"github.com/septivank/telemetry-health-worker/internal/anomaly"
	"github.com/septivank/telemetry-health-worker/internal/api"
	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/config"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/internal/heartbeat"
	"github.com/septivank/telemetry-health-worker/internal/metrics"
	"github.com/septivank/telemetry-health-worker/internal/mq"
	"github.com/septivank/telemetry-health-worker/internal/mqtt"
	"github.com/septivank/telemetry-health-worker/internal/repository"
	"github.com/septivank/telemetry-health-worker/internal/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// storeInitTimeout bounds mongodb index creation at startup
const storeInitTimeout = 15 * time.Second

func startWorker(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	coordinator *service.Coordinator,
	runner *service.Runner,
	server *api.Server,
	mqttClient *mqtt.Client,
	conn *mq.Connection,
) error {
	// Create context for the pipeline that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	if cfg.Transport == "amqp" {
		consumer, err := mq.NewConsumer(mq.ConsumerConfig{
			Connection:       conn,
			Queue:            cfg.RabbitMQ.IngestQueue,
			DLQQueue:         cfg.RabbitMQ.DLQQueue,
			Exchange:         cfg.RabbitMQ.IngestExchange,
			RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
			PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
			Logger:           logger,
			MessageProcessor: submitWithRetry(coordinator),
		})
		if err != nil {
			cancel()
			return err
		}
		// appended before the pipeline hook, so it stops after the pipeline drains
		consumer.RegisterLifecycle(lc, ctx)
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() {
				defer close(done)
				if err := runner.Run(ctx); err != nil {
					logger.Error("pipeline failed", zap.Error(err))
				}
			}()

			if cfg.Transport == "mqtt" {
				if err := mqttClient.Subscribe(ctx, cfg.MQTT.Topic, coordinator.Submit); err != nil {
					cancel()
					return err
				}
			}

			if err := server.Start(); err != nil {
				cancel()
				return err
			}
			server.SetReady(true)

			logger.Info("worker started",
				zap.String("transport", cfg.Transport),
				zap.String("store", cfg.Store.Driver),
				zap.String("policy", cfg.Alert.Policy),
			)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if err := server.Shutdown(stopCtx); err != nil {
				logger.Error("failed to stop http server", zap.Error(err))
			}
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				logger.Warn("pipeline did not stop in time")
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return nil
}

// submitWithRetry requeues AMQP deliveries that hit a full inbox instead of dead-lettering them
func submitWithRetry(coordinator *service.Coordinator) mq.MessageHandler {
	return func(ctx context.Context, routingKey string, body []byte) error {
		err := coordinator.Submit(ctx, routingKey, body)
		if errors.Is(err, service.ErrInboxFull) {
			return fmt.Errorf("%w: %w", mq.ErrRetry, err)
		}
		return err
	}
}

// ProvideClock returns the process clock
func ProvideClock() clock.Clock {
	return clock.New()
}

// ProvideRules loads the alert rules file
func ProvideRules(cfg *config.Config) (*config.Rules, error) {
	return config.LoadRules(cfg.Alert.RulesFile)
}

// ProvideStore creates the persistence backend selected by STORE_DRIVER
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeInitTimeout)
	defer cancel()

	var store repository.Store
	switch cfg.Store.Driver {
	case "mongo":
		client, err := db.NewMongoClient(lc, logger, cfg.Mongo.URI)
		if err != nil {
			return nil, err
		}
		mongoStore, err := repository.NewMongoStore(ctx, client, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		store = mongoStore
	case "postgres":
		pool, err := db.NewPool(lc, logger, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		store = repository.NewPostgresStore(pool)
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	logger.Info("store initialized", zap.String("driver", cfg.Store.Driver))
	return store, nil
}

// ProvideWriter creates the reading writer
func ProvideWriter(store repository.Store, clk clock.Clock, cfg *config.Config) *repository.Writer {
	return repository.NewWriter(store, clk, cfg.Store.WriteTimeout)
}

// ProvideAnomalyDetector creates a detector with the per sensor limits of the rules file
func ProvideAnomalyDetector(rules *config.Rules) *anomaly.Detector {
	limits := make(map[string]anomaly.Limits, len(rules.Sensors))
	for sensor, l := range rules.Sensors {
		limits[sensor] = anomaly.Limits{
			Min:           l.Min,
			Max:           l.Max,
			RateThreshold: l.RateThreshold,
		}
	}
	return anomaly.NewDetector(limits)
}

// ProvideTracker creates the heartbeat tracker with the pre-registered devices
func ProvideTracker(cfg *config.Config) *heartbeat.Tracker {
	tracker := heartbeat.NewTracker(cfg.Heartbeat.OfflineThreshold)
	for _, id := range cfg.Heartbeat.Devices {
		tracker.Register(id)
	}
	return tracker
}

// ProvideMQTTClient creates the MQTT client when ingestion or notifications use MQTT
func ProvideMQTTClient(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mqtt.Client, error) {
	if !cfg.UsesMQTT() {
		return nil, nil
	}
	return mqtt.NewClient(lc, logger, mqtt.ClientConfig{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      byte(cfg.MQTT.QoS),
	})
}

// ProvideMQConnection creates the RabbitMQ connection when ingestion or notifications use it
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.UsesRabbitMQ() {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.ServiceName)
}

// ProvideAlertPublisher creates the alert exchange publisher when AMQP notifications are on
func ProvideAlertPublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	if !cfg.Alert.NotifyAMQP {
		return nil, nil
	}
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.AlertExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideSinks assembles the alert notification channels
func ProvideSinks(cfg *config.Config, logger *zap.Logger, mqttClient *mqtt.Client, publisher *mq.Publisher) []alert.Sink {
	sinks := []alert.Sink{alert.NewLogSink(logger)}
	if cfg.Alert.NotifyMQTT && mqttClient != nil {
		sinks = append(sinks, alert.NewMQTTSink(mqttClient, cfg.MQTT.AlertTopic))
	}
	if cfg.Alert.NotifyAMQP && publisher != nil {
		sinks = append(sinks, alert.NewAMQPSink(publisher))
	}
	return sinks
}

// ProvideCooldowns creates the cooldown backend selected by COOLDOWN_BACKEND
func ProvideCooldowns(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config, clk clock.Clock) (alert.Cooldowns, error) {
	if cfg.Alert.CooldownBackend != "redis" {
		return alert.NewMemoryCooldowns(clk), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := alert.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("redis connection closed")
			return client.Close()
		},
	})
	logger.Info("redis cooldown backend connected", zap.String("addr", cfg.Redis.Addr))
	return alert.NewRedisCooldowns(client, clk, ""), nil
}

// ProvideAlertEngine compiles the rules and creates the alert engine
func ProvideAlertEngine(
	cfg *config.Config,
	rules *config.Rules,
	cooldowns alert.Cooldowns,
	store repository.Store,
	sinks []alert.Sink,
	clk clock.Clock,
	logger *zap.Logger,
) (*alert.Engine, error) {
	policy, err := alert.ParsePolicy(cfg.Alert.Policy)
	if err != nil {
		return nil, err
	}

	specs, err := rules.Specs()
	if err != nil {
		return nil, err
	}
	compiled, err := alert.CompileRules(specs)
	if err != nil {
		return nil, err
	}
	logger.Info("alert rules loaded",
		zap.Int("rules", len(compiled)),
		zap.Int("sensors", len(rules.Sensors)),
		zap.String("file", cfg.Alert.RulesFile),
	)

	return alert.NewEngine(alert.EngineConfig{
		Rules:         compiled,
		Policy:        policy,
		Cooldowns:     cooldowns,
		Store:         store,
		Sinks:         sinks,
		Clock:         clk,
		NotifyTimeout: cfg.Alert.NotifyTimeout,
		Logger:        logger,
	}), nil
}

// ProvideCoordinator creates the ingestion coordinator
func ProvideCoordinator(
	cfg *config.Config,
	writer *repository.Writer,
	store repository.Store,
	tracker *heartbeat.Tracker,
	detector *anomaly.Detector,
	engine *alert.Engine,
	clk clock.Clock,
	logger *zap.Logger,
) *service.Coordinator {
	return service.NewCoordinator(service.CoordinatorConfig{
		Writer:         writer,
		Finder:         store,
		Tracker:        tracker,
		Detector:       detector,
		Engine:         engine,
		Clock:          clk,
		BufferSize:     cfg.Ingest.BufferSize,
		EnqueueTimeout: cfg.Ingest.EnqueueTimeout,
		Logger:         logger,
	})
}

// ProvideMonitor creates the heartbeat monitor, raising an alert on every transition
func ProvideMonitor(
	cfg *config.Config,
	tracker *heartbeat.Tracker,
	store repository.Store,
	engine *alert.Engine,
	clk clock.Clock,
	logger *zap.Logger,
) *heartbeat.Monitor {
	onChange := func(ctx context.Context, tr heartbeat.Transition) {
		engine.RaiseTransition(ctx, tr)
	}
	return heartbeat.NewMonitor(tracker, store, clk, cfg.Heartbeat.SweepInterval, onChange, logger)
}

// ProvideRunner creates the pipeline runner
func ProvideRunner(coordinator *service.Coordinator, monitor *heartbeat.Monitor, logger *zap.Logger) *service.Runner {
	return service.NewRunner(coordinator, monitor, logger)
}

// ProvideMetricsRegistry creates the registry served on /metrics
func ProvideMetricsRegistry(coordinator *service.Coordinator, tracker *heartbeat.Tracker) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg, metrics.NewCollector(coordinator, tracker)); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return reg, nil
}

// ProvideAPIServer creates the operational HTTP server
func ProvideAPIServer(
	cfg *config.Config,
	tracker *heartbeat.Tracker,
	store repository.Store,
	engine *alert.Engine,
	coordinator *service.Coordinator,
	reg *prometheus.Registry,
	clk clock.Clock,
	logger *zap.Logger,
) *api.Server {
	return api.NewServer(api.ServerConfig{
		Port:     cfg.HTTPPort,
		Tracker:  tracker,
		Readings: store,
		Alerts:   engine,
		History:  store,
		Pipeline: coordinator,
		Gatherer: reg,
		Clock:    clk,
		Logger:   logger,
	})
}
