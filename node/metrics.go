//go:build linux
// +build linux

package node

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus view of the server. A nil *Metrics records
// nothing.
type Metrics struct {
	accepted     prometheus.Counter
	rejected     prometheus.Counter
	completed    prometheus.Counter
	aborted      *prometheus.CounterVec
	bytesSent    prometheus.Counter
	sessions     prometheus.Gauge
	backlog      prometheus.Gauge
	diskDuration *prometheus.HistogramVec
	diskBytes    prometheus.Histogram
	diskWait     prometheus.Histogram
}

// NewMetrics registers the server collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "amted_connections_accepted_total",
			Help: "Connections accepted by the listener",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "amted_connections_rejected_total",
			Help: "Connections closed by admission control before a session was created",
		}),
		completed: f.NewCounter(prometheus.CounterOpts{
			Name: "amted_sessions_completed_total",
			Help: "Sessions whose response was fully written",
		}),
		aborted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amted_sessions_aborted_total",
			Help: "Sessions closed early, by reason",
		}, []string{"reason"}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "amted_response_bytes_total",
			Help: "Response bytes written to clients",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "amted_sessions_active",
			Help: "Sessions currently tracked by the event loop",
		}),
		backlog: f.NewGauge(prometheus.GaugeOpts{
			Name: "amted_disk_backlog",
			Help: "Disk jobs waiting for room in the pool queue",
		}),
		diskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amted_disk_read_duration_seconds",
			Help:    "Duration of worker file reads",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"outcome"}),
		diskBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amted_disk_read_bytes",
			Help:    "Size of files read by workers",
			Buckets: prometheus.ExponentialBuckets(512, 8, 8),
		}),
		diskWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amted_disk_wait_seconds",
			Help:    "Time from disk job submission until its result reaches the event loop, queueing included",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

func (m *Metrics) connAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.sessions.Inc()
}

func (m *Metrics) connRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) sessionCompleted(bytes int) {
	if m == nil {
		return
	}
	m.completed.Inc()
	m.bytesSent.Add(float64(bytes))
	m.sessions.Dec()
}

func (m *Metrics) sessionAborted(reason string, bytes int) {
	if m == nil {
		return
	}
	m.aborted.WithLabelValues(reason).Inc()
	m.bytesSent.Add(float64(bytes))
	m.sessions.Dec()
}

func (m *Metrics) setBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

func (m *Metrics) observeDisk(ok bool, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.diskDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if ok {
		m.diskBytes.Observe(float64(bytes))
	}
}

func (m *Metrics) observeDiskWait(d time.Duration) {
	if m == nil {
		return
	}
	m.diskWait.Observe(d.Seconds())
}
