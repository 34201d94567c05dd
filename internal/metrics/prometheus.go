// ABOUTME: Prometheus metrics for the bridge pump and the sink connection
// ABOUTME: Implements the bridge observer on a per-instance registry
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cometdom/Squeeze2Diretta/internal/bridge"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
)

const namespace = "squeeze2diretta"

var (
	controllerStates = []bridge.State{
		bridge.Idle, bridge.AwaitingSilence, bridge.Draining,
		bridge.Reconnecting, bridge.Streaming, bridge.Closed,
	}
	sinkStates = []sink.ConnState{
		sink.Disconnected, sink.Negotiating, sink.Connected, sink.Paused, sink.Error,
	}
)

// Metrics holds all Prometheus metrics for one bridge
type Metrics struct {
	registry *prometheus.Registry

	read         prometheus.Counter
	delivered    prometheus.Counter
	dropped      *prometheus.CounterVec
	sendFailures prometheus.Counter

	formatChanges *prometheus.CounterVec
	malformed     prometheus.Counter

	queue           prometheus.Gauge
	controllerState *prometheus.GaugeVec
	sinkState       *prometheus.GaugeVec
	sinkChanges     prometheus.Counter
}

// New creates the metrics on a fresh registry that also carries the Go runtime collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// Pipe and sink throughput
		read: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoder_bytes_read_total",
			Help:      "Bytes read from the decoder pipe",
		}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_bytes_delivered_total",
			Help:      "Audio bytes accepted by the sink",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_dropped_total",
			Help:      "Audio bytes that never reached the sink",
		}, []string{"reason"}),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_send_failures_total",
			Help:      "Sends refused by the sink",
		}),

		// Stream structure
		formatChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "format_changes_total",
			Help:      "Format changes handled, by kind",
		}, []string{"kind"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_headers_total",
			Help:      "Format headers that failed validation",
		}),

		// Current state
		queue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_bytes",
			Help:      "Audio bytes waiting between the reader and the sink",
		}),
		controllerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_state",
			Help:      "1 for the current transition controller state",
		}, []string{"state"}),
		sinkState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_state",
			Help:      "1 for the current sink connection state",
		}, []string{"state"}),
		sinkChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_state_changes_total",
			Help:      "Sink connection state changes",
		}),
	}

	m.StateChanged(bridge.Idle)
	m.setSinkState(sink.Disconnected)
	return m
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// BytesRead records bytes read from the decoder
func (m *Metrics) BytesRead(n int) {
	m.read.Add(float64(n))
}

// BytesDelivered records audio accepted by the sink
func (m *Metrics) BytesDelivered(n int) {
	m.delivered.Add(float64(n))
}

// BytesDropped records discarded audio by reason
func (m *Metrics) BytesDropped(reason bridge.DropReason, n int) {
	m.dropped.WithLabelValues(string(reason)).Add(float64(n))
}

func (m *Metrics) SendFailed() {
	m.sendFailures.Inc()
}

func (m *Metrics) FormatChanged(kind bridge.TransitionKind) {
	m.formatChanges.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) MalformedHeader() {
	m.malformed.Inc()
}

func (m *Metrics) QueueBytes(n int) {
	m.queue.Set(float64(n))
}

// StateChanged marks s as the current controller state
func (m *Metrics) StateChanged(s bridge.State) {
	for _, st := range controllerStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.controllerState.WithLabelValues(st.String()).Set(v)
	}
}

// SinkStateChanged matches the sink state-change callback signature
func (m *Metrics) SinkStateChanged(from, to sink.ConnState) {
	m.sinkChanges.Inc()
	m.setSinkState(to)
}

func (m *Metrics) setSinkState(s sink.ConnState) {
	for _, st := range sinkStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.sinkState.WithLabelValues(st.String()).Set(v)
	}
}

var _ bridge.Observer = (*Metrics)(nil)
