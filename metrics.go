package docindex

import (
	"time"

	"github.com/hupe1980/docindex/internal/metrics"
	"github.com/hupe1980/docindex/model"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver receives partition events. Implementations must be
// safe for concurrent use.
type MetricsObserver = metrics.Observer

// NoopMetricsObserver discards every event.
type NoopMetricsObserver = metrics.Noop

// PrometheusObserver exports partition events as Prometheus metrics.
type PrometheusObserver struct {
	builds        *prometheus.CounterVec
	dumps         *prometheus.CounterVec
	dumpDuration  prometheus.Histogram
	dumpedDocs    prometheus.Counter
	dumpedBytes   prometheus.Counter
	reopens       *prometheus.CounterVec
	reopenSeconds *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	memory        *prometheus.GaugeVec
	readers       prometheus.Gauge
}

// NewPrometheusObserver creates the collectors and registers them with
// reg. A nil reg skips registration.
func NewPrometheusObserver(reg prometheus.Registerer, constLabels prometheus.Labels) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "docindex",
			Name:        "build_operations_total",
			Help:        "Documents applied by the writer, by operation and outcome.",
			ConstLabels: constLabels,
		}, []string{"op", "status"}),
		dumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "docindex",
			Name:        "dumps_total",
			Help:        "Segment dumps by outcome.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		dumpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "docindex",
			Name:        "dump_duration_seconds",
			Help:        "Duration of segment dumps.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),
		dumpedDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "docindex",
			Name:        "dumped_documents_total",
			Help:        "Documents written by successful dumps.",
			ConstLabels: constLabels,
		}),
		dumpedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "docindex",
			Name:        "dumped_bytes_total",
			Help:        "Bytes written by successful dumps.",
			ConstLabels: constLabels,
		}),
		reopens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "docindex",
			Name:        "reopens_total",
			Help:        "Reopens by decision and outcome.",
			ConstLabels: constLabels,
		}, []string{"decision", "status"}),
		reopenSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "docindex",
			Name:        "reopen_duration_seconds",
			Help:        "Duration of reopens by decision.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"decision"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "docindex",
			Name:        "queue_depth",
			Help:        "Depth of background queues.",
			ConstLabels: constLabels,
		}, []string{"queue"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "docindex",
			Name:        "memory_used_bytes",
			Help:        "Bytes charged to each partition quota.",
			ConstLabels: constLabels,
		}, []string{"quota"}),
		readers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "docindex",
			Name:        "resident_readers",
			Help:        "Readers held by the reader container.",
			ConstLabels: constLabels,
		}),
	}
	if reg != nil {
		for _, c := range o.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return o, nil
}

func (o *PrometheusObserver) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		o.builds, o.dumps, o.dumpDuration, o.dumpedDocs, o.dumpedBytes,
		o.reopens, o.reopenSeconds, o.queueDepth, o.memory, o.readers,
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// OnBuild implements MetricsObserver.
func (o *PrometheusObserver) OnBuild(kind model.OpKind, err error) {
	o.builds.WithLabelValues(kind.String(), status(err)).Inc()
}

// OnDump implements MetricsObserver.
func (o *PrometheusObserver) OnDump(duration time.Duration, docs int, bytes int64, err error) {
	o.dumps.WithLabelValues(status(err)).Inc()
	o.dumpDuration.Observe(duration.Seconds())
	if err == nil {
		o.dumpedDocs.Add(float64(docs))
		o.dumpedBytes.Add(float64(bytes))
	}
}

// OnReopen implements MetricsObserver.
func (o *PrometheusObserver) OnReopen(decision string, duration time.Duration, err error) {
	o.reopens.WithLabelValues(decision, StatusOf(err).String()).Inc()
	o.reopenSeconds.WithLabelValues(decision).Observe(duration.Seconds())
}

// OnQueueDepth implements MetricsObserver.
func (o *PrometheusObserver) OnQueueDepth(name string, depth int) {
	o.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// OnMemory implements MetricsObserver.
func (o *PrometheusObserver) OnMemory(name string, used int64) {
	o.memory.WithLabelValues(name).Set(float64(used))
}

// OnReaders implements MetricsObserver.
func (o *PrometheusObserver) OnReaders(count int) {
	o.readers.Set(float64(count))
}
