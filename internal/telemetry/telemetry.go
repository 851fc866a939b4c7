// Package telemetry provides local Prometheus metrics for the sync subsystem.
//
// Metrics are held in a private registry and only exposed on the local control
// listener. Nothing is pushed to an external collector.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "invoicesync"

// Pass outcomes.
const (
	PassCompleted   = "completed"
	PassBusy        = "busy"
	PassUnreachable = "unreachable"
	PassInterrupted = "interrupted"
	PassError       = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	passes        *prometheus.CounterVec
	records       *prometheus.CounterVec
	passDuration  prometheus.Histogram
	reachable     prometheus.Gauge
	pending       prometheus.Gauge
	relief        *prometheus.CounterVec
	reliefRemoved *prometheus.CounterVec
}

// New creates Metrics registered on a fresh registry, with Go runtime and
// process collectors included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Sync passes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Delivery attempts by outcome (synced, deferred, failed).",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Wall-clock duration of sync passes that ran.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
		}),
		reachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reachable",
			Help:      "1 when the public network is believed reachable.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_invoices",
			Help:      "Unsynced invoices in the local store.",
		}),
		relief: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "relief_total",
			Help:      "Storage pressure relief stages run.",
		}, []string{"stage"}),
		reliefRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "relief_removed_total",
			Help:      "Synced invoices removed by storage pressure relief.",
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		m.passes, m.records, m.passDuration, m.reachable, m.pending, m.relief, m.reliefRemoved,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePass records one RunSyncPass invocation.
func (m *Metrics) ObservePass(trigger, outcome string, synced, deferred, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(trigger, outcome).Inc()
	if outcome == PassBusy || outcome == PassUnreachable {
		return
	}
	m.records.WithLabelValues("synced").Add(float64(synced))
	m.records.WithLabelValues("deferred").Add(float64(deferred))
	m.records.WithLabelValues("failed").Add(float64(failed))
	m.passDuration.Observe(d.Seconds())
}

// SetReachable updates the reachability gauge.
func (m *Metrics) SetReachable(reachable bool) {
	if m == nil {
		return
	}
	if reachable {
		m.reachable.Set(1)
	} else {
		m.reachable.Set(0)
	}
}

// SetPending updates the pending-invoices gauge.
func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveRelief records one storage relief stage.
func (m *Metrics) ObserveRelief(stage int, removed int64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(stage)
	m.relief.WithLabelValues(label).Inc()
	m.reliefRemoved.WithLabelValues(label).Add(float64(removed))
}
