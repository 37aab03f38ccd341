// Package metrics exports session and routine statistics as Prometheus collectors.
//
// All recording methods are safe to call on a nil *Metrics, so components take an optional
// *Metrics and record unconditionally.
package metrics

import (
	"time"

	"github.com/dermesser/sessionrpc/protocol"
	"github.com/dermesser/sessionrpc/routines"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Request outcomes, the values of the "outcome" label.
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
	OutcomeClosed      = "closed"
	OutcomeCancelled   = "cancelled"
)

type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	BytesSent         prometheus.Counter
	BytesReceived     prometheus.Counter
	Requests          *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	Handled           *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	Handshakes        *prometheus.CounterVec
	HeartbeatTimeouts prometheus.Counter
}

// New creates unregistered collectors with names prefixed by namespace (e.g. "sessionrpc").
func New(namespace string) *Metrics {
	return &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total", Help: "Frames written, by kind.",
		}, []string{"kind"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total", Help: "Frames decoded, by kind.",
		}, []string{"kind"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sent_bytes_total", Help: "Encoded frame bytes written.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "received_bytes_total", Help: "Encoded frame bytes decoded.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Outgoing requests, by outcome.",
		}, []string{"outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds", Help: "Latency of outgoing requests.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		Handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handled_requests_total", Help: "Incoming requests, by response code.",
		}, []string{"code"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions", Help: "Sessions in state OPEN.",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_total", Help: "Server handshakes, by result.",
		}, []string{"result"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_timeouts_total", Help: "Sessions closed for silence.",
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSent, m.FramesReceived, m.BytesSent, m.BytesReceived, m.Requests,
		m.RequestDuration, m.Handled, m.ActiveSessions, m.Handshakes, m.HeartbeatTimeouts,
	}
}

// Register registers all collectors; it reports every failed registration.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range m.Collectors() {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

func (m *Metrics) FrameSent(kind protocol.Kind, size int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind.String()).Inc()
	m.BytesSent.Add(float64(size))
}

func (m *Metrics) FrameReceived(kind protocol.Kind, size int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind.String()).Inc()
	m.BytesReceived.Add(float64(size))
}

func (m *Metrics) RequestDone(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(took.Seconds())
}

// RequestHandled counts a response sent by this side; err is the handler's failure, if any.
func (m *Metrics) RequestHandled(err *protocol.RemoteError) {
	if m == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = err.Code.String()
	}
	m.Handled.WithLabelValues(code).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) Handshake(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Handshakes.WithLabelValues("accepted").Inc()
	} else {
		m.Handshakes.WithLabelValues("refused").Inc()
	}
}

func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

// RegisterScheduler exports the counters of s. Every scheduler needs its own constLabel value
// (e.g. its name) if more than one is registered with the same registry.
func RegisterScheduler(reg prometheus.Registerer, namespace string, labels prometheus.Labels, s *routines.Scheduler) error {
	gauge := func(name, help string, f func(routines.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "routines", Name: name, Help: help, ConstLabels: labels,
		}, func() float64 { return f(s.Stats()) })
	}
	counter := func(name, help string, f func(routines.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "routines", Name: name, Help: help, ConstLabels: labels,
		}, func() float64 { return f(s.Stats()) })
	}

	collectors := []prometheus.Collector{
		gauge("workers", "Size of the worker pool.", func(routines.Stats) float64 { return float64(s.PoolSize()) }),
		gauge("pending", "Routines waiting for a worker.", func(st routines.Stats) float64 { return float64(st.Pending) }),
		gauge("running", "Routines holding a worker.", func(st routines.Stats) float64 { return float64(st.Running) }),
		gauge("suspended", "Routines waiting at a suspension point.", func(st routines.Stats) float64 { return float64(st.Suspended) }),
		counter("spawned_total", "Routines spawned.", func(st routines.Stats) float64 { return float64(st.Spawned) }),
		counter("completed_total", "Routines completed.", func(st routines.Stats) float64 { return float64(st.Completed) }),
		counter("failed_total", "Routines failed.", func(st routines.Stats) float64 { return float64(st.Failed) }),
	}
	var err error
	for _, c := range collectors {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}
