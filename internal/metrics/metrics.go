// Package metrics exposes relay state and intent counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/relay-timer/internal/driver"
	"github.com/sweeney/relay-timer/internal/relay"
	"github.com/sweeney/relay-timer/internal/status"
)

const namespace = "relay"

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the /metrics handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Source provides the current daemon state. status.Tracker satisfies it.
type Source interface {
	Snapshot() status.Snapshot
}

// Collector reports per-channel gauges from the latest tracker snapshot.
type Collector struct {
	src Source

	state     *prometheus.Desc
	running   *prometheus.Desc
	faulted   *prometheus.Desc
	toggles   *prometheus.Desc
	onSecs    *prometheus.Desc
	offSecs   *prometheus.Desc
	mqttUp    *prometheus.Desc
	uptimeSec *prometheus.Desc
}

// NewCollector creates a collector reading from src.
func NewCollector(src Source) *Collector {
	labels := []string{"channel", "name"}
	return &Collector{
		src:       src,
		state:     prometheus.NewDesc(namespace+"_on", "1 if the relay is On.", labels, nil),
		running:   prometheus.NewDesc(namespace+"_cycle_running", "1 if the autonomous cycle is active.", labels, nil),
		faulted:   prometheus.NewDesc(namespace+"_faulted", "1 if the last output command failed.", labels, nil),
		toggles:   prometheus.NewDesc(namespace+"_toggles", "Transitions since start or last reset.", labels, nil),
		onSecs:    prometheus.NewDesc(namespace+"_on_seconds", "Cumulative On time since start or last reset.", labels, nil),
		offSecs:   prometheus.NewDesc(namespace+"_off_seconds", "Cumulative Off time after first activation.", labels, nil),
		mqttUp:    prometheus.NewDesc(namespace+"_mqtt_connected", "1 if the MQTT client is connected.", nil, nil),
		uptimeSec: prometheus.NewDesc(namespace+"_uptime_seconds", "Seconds since the daemon started.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.state, c.running, c.faulted, c.toggles, c.onSecs, c.offSecs, c.mqttUp, c.uptimeSec} {
		ch <- d
	}
}

// Collect implements prometheus.Collector. Toggle and time totals are
// gauges because Reset zeroes them.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	for _, rc := range snap.Channels {
		labels := []string{strconv.Itoa(rc.Channel), rc.Name}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, boolValue(rc.State == relay.On), labels...)
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, boolValue(rc.Running), labels...)
		ch <- prometheus.MustNewConstMetric(c.faulted, prometheus.GaugeValue, boolValue(rc.Faulted), labels...)
		ch <- prometheus.MustNewConstMetric(c.toggles, prometheus.GaugeValue, float64(rc.Toggles), labels...)
		ch <- prometheus.MustNewConstMetric(c.onSecs, prometheus.GaugeValue, rc.TotalOn.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(c.offSecs, prometheus.GaugeValue, rc.TotalOff.Seconds(), labels...)
	}
	ch <- prometheus.MustNewConstMetric(c.mqttUp, prometheus.GaugeValue, boolValue(snap.MQTTConnected))
	ch <- prometheus.MustNewConstMetric(c.uptimeSec, prometheus.GaugeValue, snap.Uptime().Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Intents counts user intents by source, action and result.
type Intents struct {
	total *prometheus.CounterVec
}

// NewIntents registers the intent counter on reg.
func NewIntents(reg prometheus.Registerer) *Intents {
	m := &Intents{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "User intents received, by source, action and result.",
		}, []string{"source", "action", "result"}),
	}
	reg.MustRegister(m.total)
	return m
}

// Observe records one intent. A nil receiver does nothing.
func (m *Intents) Observe(source, action string, err error) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(source, action, Result(err)).Inc()
}

// Result classifies an intent error for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, driver.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, driver.ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, relay.ErrInvalidConfiguration):
		return "invalid"
	case errors.Is(err, relay.ErrHardwareUnavailable):
		return "hardware_unavailable"
	default:
		return "error"
	}
}
