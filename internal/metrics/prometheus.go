package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"vpnrelay/internal/model"
)

const namespace = "vpnrelay"

// Recorder turns relay events into Prometheus series and, optionally, CSV
// rows. It satisfies relay.Observer.
type Recorder struct {
	reg *prometheus.Registry

	connections *prometheus.CounterVec
	active      prometheus.Gauge
	bytes       *prometheus.CounterVec
	duration    prometheus.Histogram
	running     prometheus.Gauge
	starts      *prometheus.CounterVec

	recordsPath string
	// csvMu serializes appends so concurrent connection closes do not
	// interleave rows.
	csvMu sync.Mutex
	log   logrus.FieldLogger
}

// NewRecorder registers collectors on a private registry. recordsPath may be
// empty to skip CSV output.
func NewRecorder(recordsPath string, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Relay connections by country and outcome.",
		}, []string{"country", "outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently being forwarded.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed by direction.",
		}, []string{"direction"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of relay connections.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_running",
			Help:      "1 while the relay session is accepting connections.",
		}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Session start attempts by result.",
		}, []string{"result"}),
		recordsPath: recordsPath,
		log:         log,
	}
	r.reg.MustRegister(r.connections, r.active, r.bytes, r.duration, r.running, r.starts)
	return r
}

// Registry exposes the underlying registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) SessionStarted(_ model.Node, err error) {
	if err != nil {
		r.starts.WithLabelValues("error").Inc()
		return
	}
	r.starts.WithLabelValues("ok").Inc()
	r.running.Set(1)
}

func (r *Recorder) SessionStopped() {
	r.running.Set(0)
}

func (r *Recorder) ConnOpened() {
	r.active.Inc()
}

func (r *Recorder) ConnClosed(rec model.ConnRecord) {
	// Rejected connections were never counted as active.
	if rec.Outcome != model.OutcomeRejected {
		r.active.Dec()
	}
	r.connections.WithLabelValues(rec.Country, rec.Outcome).Inc()
	r.bytes.WithLabelValues("up").Add(float64(rec.BytesUp))
	r.bytes.WithLabelValues("down").Add(float64(rec.BytesDown))
	r.duration.Observe(rec.Duration.Seconds())

	if r.recordsPath == "" {
		return
	}
	r.csvMu.Lock()
	defer r.csvMu.Unlock()
	if err := AppendCSV(r.recordsPath, []model.ConnRecord{rec}); err != nil {
		r.log.WithError(err).Warn("append connection record failed")
	}
}
