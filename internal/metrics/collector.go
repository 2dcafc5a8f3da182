package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/septivank/telemetry-health-worker/internal/db"
	"github.com/septivank/telemetry-health-worker/internal/service"
)

const namespace = "telemetry"

// SnapshotSource exposes the pipeline counters
type SnapshotSource interface {
	Snapshot() service.Snapshot
}

// DeviceSource exposes the tracked device states
type DeviceSource interface {
	Snapshot() []db.DeviceState
}

// Collector reads pipeline counters and device states on every scrape
type Collector struct {
	pipeline SnapshotSource
	devices  DeviceSource

	received   *prometheus.Desc
	validated  *prometheus.Desc
	persisted  *prometheus.Desc
	alerts     *prometheus.Desc
	suppressed *prometheus.Desc
	reconnects *prometheus.Desc
	errors     *prometheus.Desc
	inboxDepth *prometheus.Desc
	devicesBy  *prometheus.Desc
}

// NewCollector creates a collector over the coordinator and the heartbeat tracker
func NewCollector(pipeline SnapshotSource, devices DeviceSource) *Collector {
	return &Collector{
		pipeline:   pipeline,
		devices:    devices,
		received:   prometheus.NewDesc(namespace+"_messages_received_total", "Messages handed over by the transport.", nil, nil),
		validated:  prometheus.NewDesc(namespace+"_messages_validated_total", "Messages that passed validation.", nil, nil),
		persisted:  prometheus.NewDesc(namespace+"_readings_persisted_total", "Readings written to the store.", nil, nil),
		alerts:     prometheus.NewDesc(namespace+"_alerts_triggered_total", "Rule alerts raised.", nil, nil),
		suppressed: prometheus.NewDesc(namespace+"_alerts_suppressed_total", "Rule matches suppressed by cooldown.", nil, nil),
		reconnects: prometheus.NewDesc(namespace+"_device_reconnects_total", "Offline devices that reported again.", nil, nil),
		errors:     prometheus.NewDesc(namespace+"_errors_total", "Errors by pipeline stage.", []string{"stage"}, nil),
		inboxDepth: prometheus.NewDesc(namespace+"_inbox_depth", "Messages waiting in the ingest inbox.", nil, nil),
		devicesBy:  prometheus.NewDesc(namespace+"_devices", "Tracked devices by status.", []string{"status"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.received
	ch <- c.validated
	ch <- c.persisted
	ch <- c.alerts
	ch <- c.suppressed
	ch <- c.reconnects
	ch <- c.errors
	ch <- c.inboxDepth
	ch <- c.devicesBy
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.pipeline.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(snap.Received))
	ch <- prometheus.MustNewConstMetric(c.validated, prometheus.CounterValue, float64(snap.Validated))
	ch <- prometheus.MustNewConstMetric(c.persisted, prometheus.CounterValue, float64(snap.Persisted))
	ch <- prometheus.MustNewConstMetric(c.alerts, prometheus.CounterValue, float64(snap.Alerts))
	ch <- prometheus.MustNewConstMetric(c.suppressed, prometheus.CounterValue, float64(snap.Suppressed))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(snap.Reconnects))
	ch <- prometheus.MustNewConstMetric(c.inboxDepth, prometheus.GaugeValue, float64(snap.InboxDepth))
	for stage, n := range snap.Errors {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(n), stage)
	}

	counts := map[db.DeviceStatus]int{
		db.StatusNoData:  0,
		db.StatusOnline:  0,
		db.StatusOffline: 0,
	}
	for _, state := range c.devices.Snapshot() {
		counts[state.Status]++
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.devicesBy, prometheus.GaugeValue, float64(n), string(status))
	}
}

// Register adds the collector to the registerer
func Register(reg prometheus.Registerer, c *Collector) error {
	return reg.Register(c)
}
