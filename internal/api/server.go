package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/septivank/telemetry-health-worker/internal/clock"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/internal/logging"
	"github.com/septivank/telemetry-health-worker/internal/repository"
	"github.com/septivank/telemetry-health-worker/internal/service"
	"go.uber.org/zap"
)

const (
	requestTimeout = 10 * time.Second

	defaultAlertLimit = 50
	maxAlertLimit     = 1000
)

// DeviceTracker exposes live device status
type DeviceTracker interface {
	Status(deviceID string, now time.Time) db.DeviceStatus
	Snapshot() []db.DeviceState
}

// ReadingStats answers per-device reading queries
type ReadingStats interface {
	FindLatest(ctx context.Context, deviceID string) (*db.Reading, error)
	CountSince(ctx context.Context, deviceID string, cutoff time.Time) (int64, error)
	DeviceStats(ctx context.Context, deviceID string, cutoff time.Time) (*db.DeviceStats, error)
}

// Acknowledger acknowledges stored alerts
type Acknowledger interface {
	Acknowledge(ctx context.Context, alertID string) (*db.AlertEvent, error)
}

// AlertHistory answers stored alert queries
type AlertHistory interface {
	ListAlerts(ctx context.Context, filter repository.AlertFilter) ([]db.AlertEvent, error)
	CountAlerts(ctx context.Context, filter repository.AlertFilter) (map[db.Severity]int64, error)
}

// PipelineStatus exposes the pipeline counters
type PipelineStatus interface {
	Snapshot() service.Snapshot
}

// ServerConfig holds server dependencies and settings
type ServerConfig struct {
	Port     int
	Tracker  DeviceTracker
	Readings ReadingStats
	Alerts   Acknowledger
	History  AlertHistory
	Pipeline PipelineStatus
	Gatherer prometheus.Gatherer
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Server is the operational HTTP surface of the worker
type Server struct {
	cfg    ServerConfig
	router *gin.Engine
	srv    *http.Server
	ready  atomic.Bool
	logger *zap.Logger
}

// NewServer creates the router and registers every route
func NewServer(cfg ServerConfig) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	s := &Server{cfg: cfg, router: router, logger: cfg.Logger}

	router.Use(recoveryMiddleware(cfg.Logger))
	router.Use(requestIDMiddleware(cfg.Logger))
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	s.router.GET("/ready", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/devices", s.handleListDevices)
		api.GET("/devices/:id", s.handleGetDevice)
		api.GET("/alerts", s.handleListAlerts)
		api.POST("/alerts/:id/ack", s.handleAcknowledge)
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pipeline": s.cfg.Pipeline.Snapshot(),
		"devices":  len(s.cfg.Tracker.Snapshot()),
		"time":     s.cfg.Clock.Now().UTC(),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices := s.cfg.Tracker.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// positiveQuery reads an optional positive integer query parameter
func positiveQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return n, true
}

func (s *Server) handleGetDevice(c *gin.Context) {
	deviceID := c.Param("id")

	hours, ok := positiveQuery(c, "hours", 24)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	now := s.cfg.Clock.Now()
	response := gin.H{
		"device_id": deviceID,
		"status":    s.cfg.Tracker.Status(deviceID, now),
	}

	latest, err := s.cfg.Readings.FindLatest(ctx, deviceID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		response["latest_reading"] = nil
	case err != nil:
		s.logger.Error("failed to load latest reading", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device"})
		return
	default:
		response["latest_reading"] = latest
	}

	count, err := s.cfg.Readings.CountSince(ctx, deviceID, now.Add(-time.Hour))
	if err != nil {
		s.logger.Error("failed to count readings", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device"})
		return
	}
	response["readings_last_hour"] = count

	stats, err := s.cfg.Readings.DeviceStats(ctx, deviceID, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		s.logger.Error("failed to aggregate readings", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device"})
		return
	}
	response["stats"] = stats
	response["stats_window_hours"] = hours

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	filter := repository.AlertFilter{DeviceID: c.Query("device_id")}

	if raw := c.Query("severity"); raw != "" {
		filter.Severity = db.Severity(strings.ToLower(raw))
		if !filter.Severity.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "severity must be info, warning or critical"})
			return
		}
	}

	hours, ok := positiveQuery(c, "hours", 0)
	if !ok {
		return
	}
	if hours > 0 {
		filter.Since = s.cfg.Clock.Now().Add(-time.Duration(hours) * time.Hour)
	}

	limit, ok := positiveQuery(c, "limit", defaultAlertLimit)
	if !ok {
		return
	}
	filter.Limit = min(limit, maxAlertLimit)

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	alerts, err := s.cfg.History.ListAlerts(ctx, filter)
	if err != nil {
		s.logger.Error("failed to list alerts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}
	counts, err := s.cfg.History.CountAlerts(ctx, filter)
	if err != nil {
		s.logger.Error("failed to count alerts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}

	var total int64
	bySeverity := gin.H{}
	for _, sev := range []db.Severity{db.SeverityInfo, db.SeverityWarning, db.SeverityCritical} {
		bySeverity[string(sev)] = counts[sev]
		total += counts[sev]
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts":      alerts,
		"count":       len(alerts),
		"total":       total,
		"by_severity": bySeverity,
	})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	alertID := c.Param("id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	event, err := s.cfg.Alerts.Acknowledge(ctx, alertID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	case errors.Is(err, repository.ErrAlreadyAcknowledged):
		c.JSON(http.StatusConflict, gin.H{"error": "alert already acknowledged"})
		return
	case err != nil:
		s.logger.Error("failed to acknowledge alert", zap.String("alert_id", alertID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge alert"})
		return
	}

	c.JSON(http.StatusOK, event)
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP server starting", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestIDMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if status >= http.StatusBadRequest {
			logging.WithRequestID(logger, requestID).Info("HTTP request",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
			)
		}
	}
}

func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
