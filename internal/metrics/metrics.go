// Package metrics instruments the control plane with Prometheus
// counters/histograms, adapted from
// adred-codev-ws_poc/go-server/internal/metrics/metrics.go's
// promauto-based Metrics struct — there it instruments a WebSocket relay
// (connections, broadcast messages, NATS round-trips); here the same
// families instrument the bus, the outbound queue, and command RPCs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SlowOpThreshold is the latency spec.md §9 calls out as worth a warning
// log in addition to the histogram observation.
const SlowOpThreshold = 500 * time.Millisecond

// Metrics is the process-wide instrumentation surface. One instance is
// shared by the agent (which also records bus publishes and queue depth),
// the supervisor, and the datastore stack.
type Metrics struct {
	BusPublishTotal     *prometheus.CounterVec
	BusPublishErrors    *prometheus.CounterVec
	BusPublishLatency   *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge
	QueueDropped        prometheus.Counter
	QueueRequeued       prometheus.Counter
	CommandsTotal       *prometheus.CounterVec
	CommandLatency      prometheus.Histogram
	CommandTimeouts     prometheus.Counter
	PeerCount           *prometheus.GaugeVec
	ProcessStateChanges *prometheus.CounterVec
	DatastoreLatency    *prometheus.HistogramVec
	DatastoreErrors     *prometheus.CounterVec
}

// New registers every metric family against reg (pass
// prometheus.NewRegistry() in tests to avoid the global default
// registry's duplicate-registration panics across test runs).
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BusPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "bus", Name: "publish_total",
			Help: "Total messages published to the bus, by channel kind.",
		}, []string{"kind"}),
		BusPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "bus", Name: "publish_errors_total",
			Help: "Total bus publish failures, by channel kind.",
		}, []string{"kind"}),
		BusPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ctlplane", Subsystem: "bus", Name: "publish_latency_seconds",
			Help: "Bus publish round-trip latency.", Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ctlplane", Subsystem: "queue", Name: "depth",
			Help: "Current outbound queue depth.",
		}),
		QueueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "queue", Name: "dropped_total",
			Help: "Total envelopes dropped by overflow or exhausted retry budget.",
		}),
		QueueRequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "queue", Name: "requeued_total",
			Help: "Total envelopes requeued after a failed send.",
		}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "command", Name: "total",
			Help: "Total commands handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		CommandLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ctlplane", Subsystem: "command", Name: "latency_seconds",
			Help: "Command RPC round-trip latency.", Buckets: prometheus.DefBuckets,
		}),
		CommandTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "command", Name: "timeouts_total",
			Help: "Total commands that exceeded their RPC deadline.",
		}),
		PeerCount: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ctlplane", Subsystem: "peers", Name: "count",
			Help: "Number of known peers, by status.",
		}, []string{"status"}),
		ProcessStateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "supervisor", Name: "state_changes_total",
			Help: "Total managed-process state transitions, by target state.",
		}, []string{"state"}),
		DatastoreLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ctlplane", Subsystem: "datastore", Name: "op_latency_seconds",
			Help: "Datastore operation latency, by operation.", Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		DatastoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctlplane", Subsystem: "datastore", Name: "errors_total",
			Help: "Total datastore operation failures, by operation.",
		}, []string{"op"}),
	}
}

// ObservePublish records one bus publish attempt's outcome and latency,
// logging a warning via the caller if it exceeds SlowOpThreshold (the
// caller owns the logger, so this just returns the measured duration).
func (m *Metrics) ObservePublish(kind string, start time.Time, err error) time.Duration {
	d := time.Since(start)
	m.BusPublishTotal.WithLabelValues(kind).Inc()
	m.BusPublishLatency.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.BusPublishErrors.WithLabelValues(kind).Inc()
	}
	return d
}

// ObserveCommand records one command RPC outcome and latency.
func (m *Metrics) ObserveCommand(cmdType string, start time.Time, timedOut bool, err error) {
	m.CommandLatency.Observe(time.Since(start).Seconds())
	outcome := "success"
	switch {
	case timedOut:
		outcome = "timeout"
		m.CommandTimeouts.Inc()
	case err != nil:
		outcome = "error"
	}
	m.CommandsTotal.WithLabelValues(cmdType, outcome).Inc()
}
