// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors for the supervisor.
// Collectors are registered via promauto at package init; helper funcs keep
// label hygiene in one place.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devsupd_sessions_started_total",
		Help: "Total number of sessions started",
	})

	SessionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devsupd_sessions_failed_total",
		Help: "Total number of sessions that entered Failed, by reason",
	}, []string{"reason"})

	SessionRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devsupd_session_restarts_total",
		Help: "Total number of automatic session restarts",
	})

	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devsupd_sessions_active",
		Help: "Current number of sessions by status",
	}, []string{"status"})

	PortAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devsupd_port_allocations_total",
		Help: "Port allocation attempts by outcome",
	}, []string{"outcome"})

	PortsHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devsupd_ports_held",
		Help: "Current number of live port allocations",
	})

	LogEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devsupd_log_entries_total",
		Help: "Log entries appended, by stream",
	}, []string{"stream"})

	LogBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devsupd_log_bytes_total",
		Help: "Log bytes appended across all sessions",
	})

	SubscriberLagDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devsupd_subscriber_lag_drops_total",
		Help: "Log entries skipped for lagging subscribers",
	})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devsupd_bus_dropped_total",
		Help: "Events dropped from subscriber queues (backpressure)",
	}, []string{"topic"})

	LedgerWriteSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devsupd_ledger_write_seconds",
		Help:    "Latency of atomic port-ledger writes",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devsupd_http_request_seconds",
		Help:    "Control-API request latency by route and status class",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"route", "method", "status"})

	StreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devsupd_streams_active",
		Help: "Open streaming connections by kind (sse, ws)",
	}, []string{"kind"})

	ProcSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devsupd_proc_signals_total",
		Help: "Signals sent to supervised process groups, by signal and outcome",
	}, []string{"signal", "outcome"})
)

// IncProcSignal records one signal delivery attempt.
func IncProcSignal(signal, outcome string) {
	ProcSignalsTotal.WithLabelValues(signal, outcome).Inc()
}

// IncBusDrop records a dropped event for the given topic.
func IncBusDrop(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic).Inc()
}

// ObserveLedgerWrite records one ledger persistence duration.
func ObserveLedgerWrite(d time.Duration) {
	LedgerWriteSeconds.Observe(d.Seconds())
}

// SetActiveSessions replaces the per-status session gauge values.
func SetActiveSessions(byStatus map[string]int) {
	SessionsActive.Reset()
	for status, n := range byStatus {
		SessionsActive.WithLabelValues(status).Set(float64(n))
	}
}
