// Package metrics exposes the Prometheus metrics of the measurement
// engine, the client and the traffic generator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundsTotal counts measurement rounds by outcome, e.g. "ok",
	// "build-failed", "socks-failed", "wrongly-routed", "goodput-failed".
	RoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rounds_total",
			Help: "Number of measurement rounds, by outcome.",
		},
		[]string{"outcome"},
	)
	// ControlCommands counts control port commands by verb and by the
	// terminating reply status.
	ControlCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_control_commands_total",
			Help: "Number of control port commands, by verb and reply status.",
		},
		[]string{"command", "status"},
	)
	CircuitExtendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_circuit_extend_failures_total",
			Help: "Number of extendcircuit attempts not acknowledged with 250 EXTENDED.",
		},
	)
	CapturedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_captured_bytes_total",
			Help: "TCP payload bytes captured from the adjacent relay.",
		},
	)
	ReceivedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_received_bytes_total",
			Help: "Application bytes received on the measured stream.",
		},
	)
	MalformedPackets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_malformed_packets_total",
			Help: "Captured frames dropped because their headers were malformed.",
		},
	)
	LostTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_lost_ticks_total",
			Help: "Measurement intervals dropped because the sleep was interrupted.",
		},
	)
	IntervalRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "relay_interval_rate_kbps",
			Help: "Per-interval throughput and goodput in KBps.",
			Buckets: []float64{
				1, 2.5, 5, 10, 25, 50, 100, 250, 500,
				1000, 2500, 5000, 10000, 25000, 50000},
		},
		[]string{"kind"},
	)
	GeneratorActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_generator_active_workers",
			Help: "Number of connections currently served by the traffic generator.",
		},
	)
	GeneratorBytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_generator_bytes_sent_total",
			Help: "Bytes sent by the traffic generator, by mode.",
		},
		[]string{"mode"},
	)
	GeneratorRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_generator_rejected_total",
			Help: "Connections closed because the worker limit was reached.",
		},
	)
)
