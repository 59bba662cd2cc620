// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes Prometheus instrumentation for the polling
// engine: tick duration, per-device connect failures, alarm activations
// and write-queue depth.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// Collector implements poller.Metrics, registered against its own
// registry so a test can construct one without colliding with the
// process-wide default registry.
type Collector struct {
	registry *prometheus.Registry

	tickDuration       prometheus.Histogram
	tickDurationAvg    prometheus.Gauge
	deviceConnectFails *prometheus.CounterVec
	alarmsActivated    *prometheus.CounterVec
	writeQueueDepth    *prometheus.GaugeVec
}

// New constructs a Collector and registers its metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldbus_tick_duration_seconds",
			Help:    "Wall-clock duration of one poll tick across all devices.",
			Buckets: prometheus.DefBuckets,
		}),
		tickDurationAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldbus_tick_duration_rolling_average_seconds",
			Help: "Exponentially-weighted moving average of tick duration, as logged in the tick-overrun warning.",
		}),
		deviceConnectFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldbus_device_connect_failures_total",
			Help: "Connect attempts that ended in a TransportError, by device.",
		}, []string{"device_id"}),
		alarmsActivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldbus_alarms_activated_total",
			Help: "Alarm activations that produced a notification intent, by threat level.",
		}, []string{"threat_level"}),
		writeQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldbus_write_queue_depth",
			Help: "Pending tag writes observed at drain time, by device.",
		}, []string{"device_id"}),
	}

	reg.MustRegister(c.tickDuration, c.tickDurationAvg, c.deviceConnectFails, c.alarmsActivated, c.writeQueueDepth)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return c
}

// Handler returns the HTTP handler serving this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func deviceLabel(id int64) string { return strconv.FormatInt(id, 10) }

func (c *Collector) TickDuration(d time.Duration) {
	c.tickDuration.Observe(d.Seconds())
}

func (c *Collector) TickDurationAverage(d time.Duration) {
	c.tickDurationAvg.Set(d.Seconds())
}

func (c *Collector) DeviceConnectFailure(deviceID int64) {
	c.deviceConnectFails.WithLabelValues(deviceLabel(deviceID)).Inc()
}

func (c *Collector) AlarmActivated(level schema.ThreatLevel) {
	c.alarmsActivated.WithLabelValues(string(level)).Inc()
}

func (c *Collector) WriteQueueDepth(deviceID int64, depth int) {
	c.writeQueueDepth.WithLabelValues(deviceLabel(deviceID)).Set(float64(depth))
}
