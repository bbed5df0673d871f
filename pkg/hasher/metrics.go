package hasher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ prometheus.Collector = new(Metrics)

	walkDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}
)

// Metrics counts the work done by a Hasher. A nil *Metrics discards
// everything, so hashers without metrics don't need to check.
type Metrics struct {
	filesHashed     prometheus.Counter
	bytesHashed     prometheus.Counter
	ioErrors        *prometheus.CounterVec
	integrityChecks *prometheus.CounterVec
	walkDuration    prometheus.Histogram
}

// NewMetrics creates the hashing metrics. Register the result with a
// prometheus.Registerer to export them.
func NewMetrics() *Metrics {
	return &Metrics{
		filesHashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "treesync_files_hashed_total",
			Help: "The total number of files hashed while taking directory snapshots.",
		}),
		bytesHashed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "treesync_bytes_hashed_total",
			Help: "The total number of bytes hashed while taking directory snapshots.",
		}),
		ioErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treesync_io_errors_total",
				Help: "The total number of filesystem errors while hashing, partitioned by operation.",
			},
			[]string{"op"},
		),
		integrityChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treesync_integrity_checks_total",
				Help: "The total number of file integrity checks, partitioned by result.",
			},
			[]string{"result"},
		),
		walkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "treesync_walk_duration_seconds",
			Help:    "Latency histogram of complete directory snapshots.",
			Buckets: walkDurationBuckets,
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.filesHashed.Describe(ch)
	m.bytesHashed.Describe(ch)
	m.ioErrors.Describe(ch)
	m.integrityChecks.Describe(ch)
	m.walkDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.filesHashed.Collect(ch)
	m.bytesHashed.Collect(ch)
	m.ioErrors.Collect(ch)
	m.integrityChecks.Collect(ch)
	m.walkDuration.Collect(ch)
}

func (m *Metrics) fileHashed(size int64) {
	if m == nil {
		return
	}
	m.filesHashed.Inc()
	m.bytesHashed.Add(float64(size))
}

func (m *Metrics) ioError(op string) {
	if m == nil {
		return
	}
	m.ioErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) integrityCheck(result string) {
	if m == nil {
		return
	}
	m.integrityChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) observeWalk(d time.Duration) {
	if m == nil {
		return
	}
	m.walkDuration.Observe(d.Seconds())
}
