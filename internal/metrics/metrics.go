// Package metrics exposes Prometheus collectors for the companion.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/winkctl/internal/state"
)

// Registry holds every winkctl collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// ConnectionState is 1 for the current connection state label, 0 otherwise.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "winkctl_connection_state",
			Help: "Current BLE connection state (1 for the active state).",
		},
		[]string{"state"},
	)

	// HeadlightsBusy is 1 while either headlight is in motion.
	HeadlightsBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "winkctl_headlights_busy",
			Help: "Whether a headlight motion is in progress (1=busy).",
		},
	)

	// CommandsTotal counts command writes by characteristic role and outcome.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "winkctl_commands_total",
			Help: "Total number of commands written to the Wink Module.",
		},
		[]string{"role", "result"}, // result: sent/failed/busy/offline
	)

	// CommandLatency records how long each command write took.
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "winkctl_command_latency_seconds",
			Help:    "Latency of BLE command writes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	// UpdatesTotal counts OTA sessions by final outcome.
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "winkctl_updates_total",
			Help: "Total number of firmware update sessions by outcome.",
		},
		[]string{"result"}, // result: offered/declined/succeeded/failed
	)

	// UploadBytesTotal counts firmware bytes pushed to the module.
	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winkctl_update_upload_bytes_total",
			Help: "Firmware bytes uploaded to the Wink Module.",
		},
	)
)

var connStates = []state.ConnState{
	state.Idle,
	state.Scanning,
	state.Connecting,
	state.Connected,
	state.Disconnected,
}

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ConnectionState,
		HeadlightsBusy,
		CommandsTotal,
		CommandLatency,
		UpdatesTotal,
		UploadBytesTotal,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveCommand records one command write.
func ObserveCommand(role, result string, took time.Duration) {
	CommandsTotal.WithLabelValues(role, result).Inc()
	if result == "sent" {
		CommandLatency.WithLabelValues(role).Observe(took.Seconds())
	}
}

// Watch mirrors store snapshots into the state gauges until cancel is called.
func Watch(store *state.Store) (cancel func()) {
	apply := func(s state.Snapshot) {
		for _, cs := range connStates {
			v := 0.0
			if s.Conn == cs {
				v = 1
			}
			ConnectionState.WithLabelValues(string(cs)).Set(v)
		}
		if s.Busy {
			HeadlightsBusy.Set(1)
		} else {
			HeadlightsBusy.Set(0)
		}
	}
	apply(store.Snapshot())
	return store.Subscribe(apply)
}
